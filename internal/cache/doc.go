// Package cache keeps acquired artifacts on disk only for as long as clients
// keep asking for them. Every entry carries a sliding deadline driven by an
// expiry heap, a periodic sweep removes anything that outlived MaxAge, and
// the Governor serializes work per package while bounding global in-flight
// acquisitions. Files are written through temp file + rename so a reader never
// observes a partial artifact.
package cache
