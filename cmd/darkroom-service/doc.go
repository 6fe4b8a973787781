// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

// Binary darkroom-service runs the photo restoration pipeline: it
// opens the encrypted content-addressed store, starts the metadata
// tool pool, and consumes classification and restoration jobs from
// the Redis queue. Classification and restoration themselves are
// delegated to the external commands named in the pipeline section of
// the config file.
//
// Configuration comes from the file named by DARKROOM_CONFIG or the
// --config flag. The service shuts down cleanly on SIGINT/SIGTERM:
// job intake stops, active jobs drain up to the configured grace
// period, and queued jobs stay durable in Redis for the next start.
package main
