// Package identity computes the effective unique identifier of a
// message. Some providers hand out UIDs that are not stable across
// sessions; in that case the Message-ID header can substitute, and in
// multi-source setups the identifier is namespaced per source so two
// mailboxes sharing a path cannot collide.
package identity

// Options selects how the effective UID is derived.
type Options struct {
	// UseMessageIDAsUID substitutes the Message-ID header for the
	// server UID when the header is present.
	UseMessageIDAsUID bool
	// MultiSource prefixes the UID with the source name.
	MultiSource bool
}

// Resolve returns the effective UID for a message. The second return
// value is false when no usable identifier exists; such messages are
// unreadable and must be counted and skipped, never persisted.
func Resolve(rawUID, messageID, sourceName string, opts Options) (string, bool) {
	base := rawUID
	if opts.UseMessageIDAsUID && messageID != "" {
		base = messageID
	}
	if base == "" {
		return "", false
	}
	if opts.MultiSource {
		return sourceName + "_" + base, true
	}
	return base, true
}

// SourcePrefix returns the UID prefix that selects all records written
// by the named source in multi-source mode. Retention sweeps use it as
// the only safe selector for deletion.
func SourcePrefix(sourceName string) string {
	return sourceName + "_"
}
