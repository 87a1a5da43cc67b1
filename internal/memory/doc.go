// Package memory tracks process heap usage against a configurable limit and
// signals registered caches to shed entries when usage crosses the high
// watermark. The thumbnail pipeline's in-memory tier subscribes to this
// signal so decoded images are released before the runtime is squeezed.
package memory
