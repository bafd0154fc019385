package main

import (
	"errors"
	"fmt"
	"io"

	"voice_live_bridge/internal/config"

	"github.com/spf13/cobra"
)

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "检查 Voice Live 连接所需的配置是否齐全",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkConfigPath, "config", "c", "config.yaml", "配置文件路径")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(checkConfigPath)
	if err != nil {
		// 校验失败时仍然列出各项状态
		fmt.Fprintf(cmd.ErrOrStderr(), "配置校验失败: %v\n", err)
		cfg = config.LoadUnvalidated(checkConfigPath)
	}
	if !printCheck(cmd.OutOrStdout(), cfg.Check()) {
		return errors.New("缺少必需的配置项")
	}
	return nil
}

// printCheck 输出检查结果，全部通过时返回 true
func printCheck(w io.Writer, items []config.CheckItem) bool {
	ok := true
	for _, item := range items {
		mark := "✓"
		if !item.OK {
			mark = "✗"
			ok = false
		}
		fmt.Fprintf(w, "%s %-30s %s\n", mark, item.Name, item.Value)
	}
	return ok
}
