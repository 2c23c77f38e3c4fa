package nsq

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	c := NewConfig()
	if c.maxInFlight != 1 {
		t.Fatalf("default max_in_flight = %d, want 1", c.maxInFlight)
	}
	if c.maxTries != 5 {
		t.Fatalf("default max_tries = %d, want 5", c.maxTries)
	}
	if c.heartbeatInterval != 30*time.Second {
		t.Fatalf("default heartbeat_interval = %s, want 30s", c.heartbeatInterval)
	}
}

func TestConfigSetValidOption(t *testing.T) {
	c := NewConfig()
	if err := c.Set("max_in_flight", 200); err != nil {
		t.Fatal(err)
	}
	if c.maxInFlight != 200 {
		t.Fatalf("max_in_flight = %d, want 200", c.maxInFlight)
	}
}

func TestConfigSetRejectsBelowMin(t *testing.T) {
	c := NewConfig()
	if err := c.Set("max_in_flight", 0); err == nil {
		t.Fatal("expected an error setting max_in_flight below its min of 1")
	}
}

func TestConfigSetRejectsUnknownOption(t *testing.T) {
	c := NewConfig()
	if err := c.Set("does_not_exist", 1); err == nil {
		t.Fatal("expected an error for an unknown option")
	}
}

func TestConfigSetCoercesDurationStrings(t *testing.T) {
	c := NewConfig()
	if err := c.Set("requeue_delay", "5s"); err != nil {
		t.Fatal(err)
	}
	if c.requeueDelay != 5*time.Second {
		t.Fatalf("requeue_delay = %s, want 5s", c.requeueDelay)
	}
}

func TestConfigValidateRejectsZeroMaxInFlight(t *testing.T) {
	c := NewConfig()
	c.maxInFlight = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject max_in_flight < 1")
	}
}
