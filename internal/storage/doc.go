// Package storage provides the key/value backends behind the result cache.
//
// Every backend stores opaque bytes under string keys with an optional
// expiry, and supports glob-based bulk deletion for administrative clears.
package storage
