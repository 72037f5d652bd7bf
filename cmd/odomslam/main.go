// Package main runs the odometry SLAM service outside of a robot, reading scans and odometry
// over UDP or a serial line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
