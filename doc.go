// Package linclust implements an external-memory, linear-time clustering
// pipeline for large corpora of biological sequences.
//
// A Job owns a working directory on shared storage and drives up to four
// stages per round — seed-table, pair-table, chunk-table, and chunk
// materialization — coordinated across worker processes by a shared counter
// (internal/sc) and a radix file array (internal/rfa). See the package-level
// types Job and VolumedFile and the Run function for the entry points.
package linclust
