// Package download holds the shared domain types and ports of the media
// fetch service: the Job record and its closed Status variant, the
// transition table, the error taxonomy, and the interfaces implemented by
// stores, queues, dispatchers and fetchers.
//
// The package has no dependencies on drivers or transports so that every
// adapter can import it without cycles.
package download
