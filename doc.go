// Package mirror defines the shared contracts of the ocimirror registry
// mirror: the manifest abstraction, media type classification, and the
// error taxonomy used across the synchronization pipeline and the serving
// path.
package mirror
