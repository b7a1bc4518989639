package natsclient

import "strings"

// Topic paths use '/' separators with '*' matching one segment; NATS subjects
// use '.' with the same '*' wildcard semantics, so the mapping is a plain
// separator swap. Device serials never contain either separator.

// ToSubject converts a topic path to a NATS subject.
func ToSubject(topicPath string) string {
	return strings.ReplaceAll(topicPath, "/", ".")
}

// FromSubject converts a NATS subject back to a topic path.
func FromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
