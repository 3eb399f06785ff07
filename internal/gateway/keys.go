package gateway

import (
	"fmt"
	"strings"
)

// Key templates for every Redis key this package touches. Keeping them
// centralized avoids format-string drift between the gateway,
// checkpointer and reaper.

func ObjectsKey(boardID string) string  { return fmt.Sprintf("board/%s/objects", boardID) }
func ChangesKey(boardID string) string  { return fmt.Sprintf("board/%s/changes", boardID) }
func VersionKey(boardID string) string  { return fmt.Sprintf("board/%s/version", boardID) }
func SessionsKey(boardID string) string { return fmt.Sprintf("board/%s/sessions", boardID) }
func PresenceKey(boardID string) string { return fmt.Sprintf("board/%s/presence", boardID) }
func CheckinKey(sessionID string) string {
	return fmt.Sprintf("session/%s/checkin", sessionID)
}

const (
	presencePrefix = "board/"
	presenceSuffix = "/presence"
)

// PresencePattern is the PSUBSCRIBE pattern matching every board's
// presence channel.
func PresencePattern() string { return presencePrefix + "*" + presenceSuffix }

// BoardIDFromPresenceChannel extracts the board id from a channel name
// produced by PresenceKey, for use by subscribers of PresencePattern.
func BoardIDFromPresenceChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, presencePrefix) || !strings.HasSuffix(channel, presenceSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, presencePrefix), presenceSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}
