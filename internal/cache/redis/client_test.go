package redis

import (
	"strings"
	"testing"
)

func TestClientKey(t *testing.T) {
	c := &Client{prefix: "legsafe:paper:"}
	if got := c.key("lock", "position:p1"); got != "legsafe:paper:lock:position:p1" {
		t.Errorf("key() = %q", got)
	}
	bare := &Client{}
	if got := bare.key("ratelimit", "broker"); got != "ratelimit:broker" {
		t.Errorf("key() without prefix = %q", got)
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	for _, want := range []string{"ZREMRANGEBYSCORE", "ZCARD", "ZADD"} {
		if !strings.Contains(slidingWindowLua, want) {
			t.Errorf("sliding window script missing %s", want)
		}
	}
}
