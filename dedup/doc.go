// Package dedup is the application-facing layer: it turns images into
// fingerprints, runs them through the similarity index and renders the
// "Similar to <link>" replies a chat bot posts. Open builds the whole stack
// from a config.Config.
package dedup
