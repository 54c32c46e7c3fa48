package enums

import "testing"

func TestParseMedia(t *testing.T) {
	if got, err := ParseMediaType("video"); err != nil || got != MediaTypeVideo {
		t.Fatalf("ParseMediaType(video) = %q, %v", got, err)
	}
	if _, err := ParseMediaType("Video"); err == nil {
		t.Fatal("media types are case sensitive")
	}
	if got, err := ParseMediaStatus("ready"); err != nil || got != MediaStatusReady {
		t.Fatalf("ParseMediaStatus(ready) = %q, %v", got, err)
	}
	if _, err := ParseMediaStatus("deleted"); err == nil {
		t.Fatal("expected unknown status error")
	}
}

func TestOutboxDLQReasonReplayable(t *testing.T) {
	cases := map[OutboxDLQErrorReason]bool{
		OutboxDLQReasonUndecodable: false,
		OutboxDLQReasonNoTopic:     true,
		OutboxDLQReasonRejected:    false,
		OutboxDLQReasonMaxAttempts: true,
	}
	for reason, want := range cases {
		if got := reason.IsReplayable(); got != want {
			t.Fatalf("%s.IsReplayable() = %v, want %v", reason, got, want)
		}
	}
}

func TestOutboxEventAggregates(t *testing.T) {
	if got := EventCreditsRefunded.Aggregate(); got != AggregateCreditEntry {
		t.Fatalf("credits_refunded aggregate = %q", got)
	}
	if got := OutboxEventType("credits_granted").Aggregate(); got != "" {
		t.Fatalf("unknown event aggregate = %q", got)
	}
	if _, err := ParseOutboxAggregateType("media_asset"); err != nil {
		t.Fatalf("ParseOutboxAggregateType: %v", err)
	}
	if _, err := ParseOutboxAggregateType("user"); err == nil {
		t.Fatal("expected unknown aggregate error")
	}
}
