package undo

import "strings"

// KeyEvent is a keyboard event as reported by the client.
type KeyEvent struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrlKey"`
	Meta  bool   `json:"metaKey"`
	Shift bool   `json:"shiftKey"`
	Alt   bool   `json:"altKey"`
	// FocusTag is the tag name of the focused element, if any.
	FocusTag        string `json:"focusTag,omitempty"`
	ContentEditable bool   `json:"contentEditable,omitempty"`
}

// Editing reports whether focus is inside a text-editing control, where the
// browser's own undo must win.
func (e KeyEvent) Editing() bool {
	if e.ContentEditable {
		return true
	}
	switch strings.ToLower(e.FocusTag) {
	case "input", "textarea", "select":
		return true
	}
	return false
}

// Shortcut recognises the platform undo combination.
type Shortcut struct {
	Mac bool
}

// ShortcutFor returns the shortcut for a client platform string such as
// "darwin", "MacIntel" or "Win32".
func ShortcutFor(platform string) Shortcut {
	p := strings.ToLower(platform)
	for _, mac := range []string{"darwin", "mac", "iphone", "ipad"} {
		if strings.Contains(p, mac) {
			return Shortcut{Mac: true}
		}
	}
	return Shortcut{}
}

// Matches reports whether ev should trigger an undo.
func (s Shortcut) Matches(ev KeyEvent) bool {
	if !strings.EqualFold(ev.Key, "z") || ev.Shift || ev.Alt {
		return false
	}
	if s.Mac {
		if !ev.Meta {
			return false
		}
	} else if !ev.Ctrl {
		return false
	}
	return !ev.Editing()
}

// IsEscape reports whether ev is a bare Escape press.
func IsEscape(ev KeyEvent) bool {
	return ev.Key == "Escape" && !ev.Ctrl && !ev.Meta && !ev.Alt && !ev.Shift
}
