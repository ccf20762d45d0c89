//go:build !windows

package worker

import (
	"errors"
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess はワーカーとその子プロセスをまとめて SIGKILL します。
// 終了済みのグループに対しては何もしません。
func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	// Setpgid によりプロセスグループ ID はワーカーの PID と一致する。
	// ワーカー本体が回収済みでも、グループに残った子プロセスには届く
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	_ = cmd.Process.Kill()
}
