// Package kelpie builds and runs cyber-range scenes: it validates a
// declarative topology, reserves addresses from shared pools, provisions
// networks, gateways, and terminals against a cloud provider in dependency
// order, aggregates asynchronous terminal status into a scene lifecycle, and
// tears everything down again.
//
// Scene state lives in a kv store (consul, or an in-memory store for tests)
// as JSON rows guarded by compare-and-swap indexes. Cloud interactions go
// through the Provider interfaces; StubProvider backs the tests.
package kelpie
