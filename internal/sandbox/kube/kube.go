// Package kube executes workspace commands over the Kubernetes exec
// subresource. One Executor serves every sandbox pod the service can reach.
package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/sandbox"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultOutputCap = 1 << 20 // 1 MB per stream
)

// Config configures the cluster-backed executor.
type Config struct {
	// Kubeconfig is the path consulted when not running in-cluster.
	// Empty = $KUBECONFIG, then ~/.kube/config.
	Kubeconfig string

	DefaultTimeout time.Duration
	OutputCap      int64
}

// Executor runs commands inside workspace pods via SPDY exec streams.
type Executor struct {
	restCfg        *rest.Config
	clientset      kubernetes.Interface
	defaultTimeout time.Duration
	outputCap      int64
	logger         *slog.Logger
}

var _ sandbox.Executor = (*Executor)(nil)

// New creates an Executor using in-cluster credentials when available,
// falling back to the kubeconfig file.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	restCfg, err := buildRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	outCap := cfg.OutputCap
	if outCap == 0 {
		outCap = defaultOutputCap
	}

	return &Executor{
		restCfg:        restCfg,
		clientset:      clientset,
		defaultTimeout: timeout,
		outputCap:      outCap,
		logger:         logger,
	}, nil
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving kubeconfig path: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Execute streams one command into the sandbox pod and waits for it to finish.
func (e *Executor) Execute(ctx context.Context, ref sandbox.Ref, req sandbox.ExecRequest) (*domain.ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command: %w", domain.ErrValidation)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outCap := req.MaxOutputBytes
	if outCap == 0 {
		outCap = e.outputCap
	}

	execReq := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(ref.Pod).
		Namespace(ref.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ref.Container,
			Command:   req.Command,
			Stdin:     req.Stdin != nil,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.restCfg, "POST", execReq.URL())
	if err != nil {
		return nil, fmt.Errorf("creating exec stream for pod %s: %w: %w", ref.Pod, domain.ErrTransport, err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	e.logger.Debug("executing in sandbox",
		slog.String("pod", ref.Pod),
		slog.String("namespace", ref.Namespace),
		slog.String("program", req.Command[0]),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	streamErr := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: sandbox.LimitWriter(&stdoutBuf, outCap),
		Stderr: sandbox.LimitWriter(&stderrBuf, outCap),
	})
	duration := time.Since(start)

	exitCode := 0
	if streamErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("sandbox command timed out",
				slog.String("pod", ref.Pod),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("command in pod %s timed out after %s: %w", ref.Pod, timeout, domain.ErrTimeout)
		}

		// A non-zero remote exit surfaces as a CodeExitError. That's a
		// result, not a transport failure.
		var codeErr kexec.CodeExitError
		if errors.As(streamErr, &codeErr) {
			exitCode = codeErr.Code
		} else {
			return nil, fmt.Errorf("exec stream to pod %s: %w: %w", ref.Pod, domain.ErrTransport, streamErr)
		}
	}

	e.logger.Debug("sandbox command completed",
		slog.String("pod", ref.Pod),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &domain.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// CheckPod verifies that the sandbox pod exists and is running.
// A missing or non-running pod is an inconsistency, not a transport failure.
func (e *Executor) CheckPod(ctx context.Context, ref sandbox.Ref) error {
	pod, err := e.clientset.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Pod, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("pod %s not found in namespace %s: %w", ref.Pod, ref.Namespace, domain.ErrInconsistency)
		}
		return fmt.Errorf("getting pod %s: %w: %w", ref.Pod, domain.ErrTransport, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("pod %s is %s, not running: %w", ref.Pod, pod.Status.Phase, domain.ErrInconsistency)
	}
	return nil
}

// Ping checks cluster API reachability. Used by the readiness probe.
func (e *Executor) Ping(ctx context.Context) error {
	_, err := e.clientset.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("cluster unreachable: %w", err)
	}
	return ctx.Err()
}
