// Package tagstream provides a real-time RFID/NFC inventory tracking and
// anomaly-detection engine built on NATS pub/sub.
//
// # Architecture
//
// The engine is a set of small components wired together by an explicit
// Engine struct (no global state):
//
//   - natsclient: transport adapter owning the NATS connection, with
//     automatic reconnect, circuit breaker, and tracked subscriptions
//   - reader: registry of physical RFID readers with heartbeat-based
//     liveness (online/offline/error)
//   - inventory: authoritative in-memory store of inventory items and
//     their attached tag observations, with derived stock status
//   - processor: consumes tag-read batches, reader status, and inventory
//     updates from the transport, validating every payload against a
//     JSON schema before it reaches domain code
//   - detector: stateless analysis of tag batches against registry and
//     store snapshots, emitting security findings
//   - alert: leveled, acknowledgeable alert log with outbound publishing
//     and typed local subscribers
//   - audit: time-boxed full-facility reconciliation producing signed
//     inventory reports
//
// Data flows: natsclient -> processor -> {inventory, detector} -> alert
// -> natsclient. The audit scheduler reads across inventory and reader
// state and publishes reports back out through the transport.
//
// Components follow the Initialize/Start(ctx)/Stop(timeout) lifecycle
// defined in the component package. All waits are bounded: periodic work
// runs on tickers owned by the engine, and the audit collection window is
// deadline-limited.
package tagstream
