package mqtt

import "testing"

func TestFirstTopicSegment(t *testing.T) {
	cases := []struct {
		topic string
		want  string
	}{
		{"farm1/weather/node3", "farm1"},
		{"farm1", "farm1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := firstTopicSegment(tc.topic); got != tc.want {
			t.Errorf("firstTopicSegment(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}

func TestToValidUTF8ReplacesInvalidBytes(t *testing.T) {
	valid := []byte("hello world")
	if got := toValidUTF8(valid); string(got) != "hello world" {
		t.Errorf("expected valid input untouched, got %q", got)
	}

	invalid := []byte{0xff, 0xfe, 'o', 'k'}
	got := toValidUTF8(invalid)
	if len(got) == 0 {
		t.Error("expected non-empty replacement output")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BrokerURL: "tcp://localhost:1883"}.withDefaults()
	if cfg.Topic != "+/+/+" {
		t.Errorf("expected default wildcard topic, got %q", cfg.Topic)
	}
	if cfg.KeepAlive == 0 {
		t.Error("expected a non-zero default keepalive")
	}
}
