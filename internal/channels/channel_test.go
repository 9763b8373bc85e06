package channels_test

import (
	"testing"

	"github.com/relaycode/cah/internal/channels"
	"github.com/relaycode/cah/internal/messenger"
)

// Compile-time interface checks: TelegramChannel must implement Channel
// and messenger.Adapter (the shared command router's dispatch boundary).
var _ channels.Channel = (*channels.TelegramChannel)(nil)
var _ messenger.Adapter = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	// NewTelegramChannel requires a real router/logger for actual use, but
	// the Name() method only returns a constant and does not touch any
	// dependencies, so we can construct a minimal instance with nil deps.
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	// Constructing with an empty allowlist should not panic.
	ch := channels.NewTelegramChannel("fake-token", []int64{}, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with empty allowlist")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	// Constructing with specific allowed IDs should not panic.
	ids := []int64{123, 456, 789}
	ch := channels.NewTelegramChannel("fake-token", ids, nil, nil)
	if ch == nil {
		t.Fatal("expected non-nil TelegramChannel with populated allowlist")
	}
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestParseChatID(t *testing.T) {
	id, err := channels.ParseChatID(" 123456 ")
	if err != nil {
		t.Fatalf("ParseChatID: %v", err)
	}
	if id != 123456 {
		t.Fatalf("ParseChatID = %d, want 123456", id)
	}
	if _, err := channels.ParseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}
