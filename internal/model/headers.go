package model

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// NormalizeMessageID trims an Internet Message-ID and wraps it in angle
// brackets. Empty input stays empty.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// BareMessageID returns the id without angle brackets, as search APIs want it.
func BareMessageID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

// ParseReferences splits a References header into ordered message ids.
// Malformed headers fall back to whitespace splitting; a missing header
// yields an empty list.
func ParseReferences(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}

	var h mail.Header
	h.Set("References", raw)
	ids, err := h.MsgIDList("References")
	if err != nil || len(ids) == 0 {
		ids = strings.Fields(raw)
	}

	refs := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := NormalizeMessageID(id); n != "" {
			refs = append(refs, n)
		}
	}
	return refs
}

// AppendReference returns refs with id appended unless it is already the
// chain's tail or present. The input slice is not modified.
func AppendReference(refs []string, id string) []string {
	out := make([]string, 0, len(refs)+1)
	out = append(out, refs...)
	id = NormalizeMessageID(id)
	if id == "" {
		return out
	}
	for _, r := range refs {
		if r == id {
			return out
		}
	}
	return append(out, id)
}

// DedupeAddresses drops empty and repeated addresses, comparing
// case-insensitively and keeping first-seen order.
func DedupeAddresses(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, a := range list {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			key := strings.ToLower(a)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// RemoveAddress returns list without addr (case-insensitive).
func RemoveAddress(list []string, addr string) []string {
	if addr == "" {
		return list
	}
	out := list[:0:0]
	for _, a := range list {
		if !strings.EqualFold(a, addr) {
			out = append(out, a)
		}
	}
	return out
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: (No Subject)"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// EmailDomain returns the lower-cased domain part of an address.
func EmailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(addr[at+1:]), ">"))
}
