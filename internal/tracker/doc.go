// Package tracker defines the core types shared across subsystems of the
// registry status tracker: jobs and their typed parameters, lookup targets,
// record snapshots, and the narrow interfaces the ingestion pipeline uses to
// reach the upstream registry, the CAPTCHA solver, and the record store.
package tracker
