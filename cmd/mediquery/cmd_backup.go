// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/MediQuery/cmd/mediquery/gcs"
	"github.com/AleutianAI/MediQuery/pkg/ux"
	"github.com/spf13/cobra"
)

// runBackup uploads a local data directory (the badger session store and
// evidence cache, typically DATA_DIR of a stopped orchestrator) to a GCS
// bucket under a timestamped prefix. Stop the orchestrator first; badger
// holds a directory lock and a live copy would be inconsistent anyway.
func runBackup(cmd *cobra.Command, args []string) {
	localDir := args[0]

	if _, err := os.Stat(localDir); err != nil {
		ux.Error(fmt.Sprintf("Cannot read local directory %s: %v", localDir, err))
		return
	}

	bucket := backupBucket
	if bucket == "" {
		bucket = os.Getenv("GCS_BACKUP_BUCKET")
	}
	if bucket == "" {
		ux.Error("No bucket given. Use --bucket or set GCS_BACKUP_BUCKET.")
		return
	}

	project := backupProject
	if project == "" {
		project = os.Getenv("GCS_PROJECT_ID")
	}

	keyFile := backupKeyFile
	if keyFile == "" {
		keyFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	prefix := backupPrefix
	if prefix == "" {
		prefix = "mediquery-backups"
	}
	destPrefix := fmt.Sprintf("%s/%s", prefix, time.Now().Format("2006-01-02_150405"))

	ctx := context.Background()
	client, err := gcs.NewClient(ctx, project, bucket, keyFile)
	if err != nil {
		ux.Error(fmt.Sprintf("Could not create the GCS client: %v", err))
		return
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			ux.Warning(fmt.Sprintf("Failed to close the GCS client: %v", closeErr))
		}
	}()

	err = ux.WithSpinner(fmt.Sprintf("Uploading %s to gs://%s/%s", localDir, bucket, destPrefix),
		func() error {
			return client.UploadDir(ctx, localDir, destPrefix)
		})
	if err != nil {
		ux.Error(fmt.Sprintf("Backup failed: %v", err))
		return
	}

	ux.Success(fmt.Sprintf("Backup complete: gs://%s/%s", bucket, destPrefix))
}
