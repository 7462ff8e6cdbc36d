// Package ckpt provides the library API of the checkpoint and rollback
// engine.
//
// This package is the integration point for external collaborators
// (supervisors, schedulers, front ends). It wires the storage root, the
// configuration, the snapshot and backup stores and the rollback
// orchestrator into a single Client.
//
// # Concurrency Safety
//
//   - Creation of snapshots and backups is serialized per source path,
//     within the process and across processes sharing a storage root.
//
//   - Rollbacks through one Client run their checkpoint and restore phase
//     one at a time.
//
//   - Restores replace their destination with a rename, so readers see
//     either the old tree or the new one. Callers must stop writers to a
//     source before restoring it.
//
//   - A Client opens the rollback store exclusively when it is backed by
//     badger. Use one Client per storage root per process and Close it.
//
// # Typical Usage
//
//	client, err := ckpt.OpenOrInit(root, ckpt.Options{})
//	defer client.Close()
//
//	rec, err := client.CreateSnapshot(ctx, "/srv/app", ckpt.SnapshotOptions{Name: "pre-upgrade"})
//	point, err := client.CreatePoint(ctx, ckpt.PointOptions{
//	    Name:     "pre-upgrade",
//	    Scope:    model.ScopeFilesystem,
//	    Snapshot: string(rec.ID),
//	})
//
//	// later
//	op, err := client.Rollback(ctx, point.Name, ckpt.RollbackOptions{})
package ckpt
