package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

const jobName = "MqttTransfer"

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the MqttTransfer job's current state and last exit code",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		_, store, err := openStore(ctx)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer store.Close()

		job, err := store.JobStatus(ctx, jobName)
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Printf("job %q has never run\n", jobName)
			return
		}
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Printf("Job:            %s\n", job.Name)
		fmt.Printf("State:          %s\n", job.State)
		fmt.Printf("Last state at:  %s\n", job.LastStateAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Last exit code: %d\n", job.LastExitCode)
	},
}
