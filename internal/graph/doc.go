// Package graph builds the dependency graph over a set of validated contracts
// and groups them into levels: every contract in level N depends only on
// contracts in levels before N. Hard edges order execution; soft edges are
// kept as advisory metadata and never affect levels or blocking.
package graph
