// Package worker は外部ワーカープロセスの起動と監視を提供します。
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/convert"
)

const (
	defaultTimeout = 2 * time.Minute
	// waitDelay はプロセス終了後に stdout/stderr の読み切りを待つ上限です。
	// 子プロセスがパイプを開いたままでも、この時間で読み取りを打ち切ります。
	waitDelay = time.Second
	// payloadKey はワーカー入力のPDF本体のキーで、オプションで上書きできません。
	payloadKey = "pdf"
)

// Resolver はエンジンから起動コマンドと既定タイムアウトを決定します。
type Resolver interface {
	Command(engine convert.Engine) (convert.Command, bool)
	Timeout(engine convert.Engine) time.Duration
}

// Request は1回のワーカー実行の入力です。
type Request struct {
	Engine  convert.Engine
	Content []byte
	Options map[string]any
	// Timeout が 0 の場合はエンジンの既定値を使用します。
	Timeout time.Duration
}

// Invoker は1ジョブにつき1つのワーカープロセスを起動し、終了まで監視します。
type Invoker struct {
	resolver Resolver
	logger   *zap.Logger

	// started はプロセス起動直後に呼ばれます（テスト用）。
	started func(pid int)
}

// NewInvoker は Invoker を作成します。
func NewInvoker(resolver Resolver, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{resolver: resolver, logger: logger}
}

// workerOutput は stdout に出力される最終結果の形式です。
type workerOutput struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

// Run はワーカーを実行して結果を返します。
// 起動に失敗した場合のみ error を返し、それ以外（タイムアウト・異常終了・出力不正）は
// 失敗を表す Result として返します。起動後のワーカーは呼び出し元の ctx では停止せず、
// タイムアウトのみが強制終了の契機になります。
func (i *Invoker) Run(ctx context.Context, req Request, onProgress ProgressFunc) (*convert.Result, error) {
	spec, ok := i.resolver.Command(req.Engine)
	if !ok {
		return nil, convert.NewError(convert.CodeInvalidEngine, fmt.Sprintf("unknown engine: %s", req.Engine), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, convert.NewError(convert.CodeRequestCanceled, "request canceled before worker start", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.resolver.Timeout(req.Engine)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	payload, err := buildPayload(req)
	if err != nil {
		return nil, convert.NewError(convert.CodeInvalidInput, "failed to encode worker payload", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	diag := &diagnostics{}
	stderr := newStderrWriter(onProgress, diag)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, convert.NewError(convert.CodeLaunchFailure, "failed to open worker stdin", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, convert.NewError(convert.CodeLaunchFailure, fmt.Sprintf("failed to start worker for engine %s", req.Engine), err)
	}
	startedAt := time.Now()
	logger := i.logger.With(zap.String("engine", string(req.Engine)), zap.Int("pid", cmd.Process.Pid))
	logger.Debug("worker started", zap.Duration("timeout", timeout))
	if i.started != nil {
		i.started(cmd.Process.Pid)
	}

	go func() {
		// 書き込みに失敗しても stderr の診断出力は引き続き回収する
		if _, err := stdin.Write(payload); err != nil {
			logger.Debug("failed to write worker stdin", zap.Error(err))
		}
		_ = stdin.Close()
	}()

	// Wait はプロセスの終了を待ち、その後 waitDelay を上限に出力を読み切る
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	select {
	case waitErr := <-waitCh:
		timer.Stop()
		// ワーカーが残した子プロセスもまとめて停止する
		terminateProcess(cmd)
		stderr.Flush()
		result := i.finish(req.Engine, cmd, waitErr, stdout.Bytes(), diag.String())
		logger.Debug("worker exited",
			zap.Int("exitCode", result.ExitCode),
			zap.Bool("success", result.Success),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
		return result, nil
	case <-timer.C:
		terminateProcess(cmd)
		<-waitCh
		stderr.Flush()
		logger.Warn("worker timed out and was killed", zap.Duration("timeout", timeout))
		return &convert.Result{
			Success:  false,
			Error:    timeoutMessage(timeout),
			Engine:   req.Engine,
			ExitCode: convert.ExitCodeTimeout,
			Code:     convert.CodeWorkerTimeout,
		}, nil
	}
}

func (i *Invoker) finish(engine convert.Engine, cmd *exec.Cmd, waitErr error, stdout []byte, diag string) *convert.Result {
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && exitCode == 0 {
		// パイプのクローズ待ちがタイムアウトした場合など。プロセス自体は終了済み
		i.logger.Warn("worker wait returned error", zap.String("engine", string(engine)), zap.Error(waitErr))
	}

	if exitCode == 0 {
		var out workerOutput
		if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
			return &convert.Result{
				Success:  false,
				Error:    fmt.Sprintf("failed to parse worker output: %v", err),
				Engine:   engine,
				ExitCode: exitCode,
				Code:     convert.CodeOutputParseError,
			}
		}
		result := &convert.Result{
			Success:  out.Success,
			Output:   out.Output,
			Error:    out.Error,
			Engine:   engine,
			ExitCode: exitCode,
		}
		if !out.Success {
			if result.Error == "" {
				result.Error = "worker reported failure"
			}
			result.Code = convert.CodeWorkerExitError
		}
		return result
	}

	return &convert.Result{
		Success:  false,
		Error:    exitMessage(exitCode, stdout, diag),
		Engine:   engine,
		ExitCode: exitCode,
		Code:     convert.CodeWorkerExitError,
	}
}

// exitMessage は異常終了時のエラーメッセージを決定します。
// 優先順: 診断出力 → stdout の JSON の error → stdout そのもの → 汎用メッセージ。
func exitMessage(exitCode int, stdout []byte, diag string) string {
	if diag != "" {
		return diag
	}
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 {
		var out workerOutput
		if err := json.Unmarshal(trimmed, &out); err == nil && out.Error != "" {
			return out.Error
		}
		return string(trimmed)
	}
	return fmt.Sprintf("worker exited with code %d", exitCode)
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("conversion timed out after %gs", timeout.Seconds())
}

// buildPayload はワーカーへ渡す JSON を生成します。
// オプションはトップレベルにマージし、"pdf" キーは常にBase64化した入力で上書きします。
func buildPayload(req Request) ([]byte, error) {
	body := make(map[string]any, len(req.Options)+1)
	for k, v := range req.Options {
		if strings.EqualFold(k, payloadKey) {
			continue
		}
		body[k] = v
	}
	body[payloadKey] = base64.StdEncoding.EncodeToString(req.Content)
	return json.Marshal(body)
}
