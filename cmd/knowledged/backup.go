package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/knowledged/internal/backup"
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage snapshots of the record files and index",
	Long: `Create, list and restore compressed snapshots of the record files and
the persisted index. Snapshots go to backup.dir and, when backup.endpoint is
set, to an S3-compatible bucket.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd, func(ctx context.Context, m *backup.Manager) error {
			man, err := m.Create(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Created snapshot %s (%d files)\n", man.ID, len(man.Files))
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd, func(ctx context.Context, m *backup.Manager) error {
			list, err := m.List(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println("No snapshots.")
				return nil
			}
			for _, man := range list {
				var size int64
				for _, f := range man.Files {
					size += f.Size
				}
				cmd.Printf("%s  %s  %d files  %d bytes\n",
					man.ID, man.CreatedAt.Format("2006-01-02 15:04:05"), len(man.Files), size)
			}
			return nil
		})
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a snapshot into the data directory",
	Long: `Restore a snapshot into the data directory. Each file is verified
against its checksum before it replaces the live copy. A running server picks
up the restored record files and rebuilds its index.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackups(cmd, func(ctx context.Context, m *backup.Manager) error {
			man, err := m.Restore(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("Restored snapshot %s (%d files)\n", man.ID, len(man.Files))
			return nil
		})
	},
}

func withBackups(cmd *cobra.Command, fn func(ctx context.Context, m *backup.Manager) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.newBackups(ctx)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		defer m.Close()
		return fn(ctx, m)
	})
}
