// Package mediatypes classifies files by extension into the media kinds
// the indexer understands and defines the sort orders used when listing
// indexed items.
package mediatypes
