// Command ckpt manages snapshots, incremental backups and rollbacks.
package main

import "github.com/ckpt-project/ckpt/internal/cli"

func main() {
	cli.Execute()
}
