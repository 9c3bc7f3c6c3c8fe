// Package kube wraps the cluster client with the pod lifecycle operations
// the command dispatcher executes.
package kube

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

const (
	podMaxStartupTime  = 6 * time.Minute
	podDeletionTime    = 1 * time.Minute
	metricsServerWait  = 360 * time.Second
	podPollInterval    = 200 * time.Millisecond
	metricsPollInterval = 500 * time.Millisecond

	systemNamespace = "kube-system"

	clusterInstallerPath = "/usr/local/share/k3s-install.sh"
	clusterUninstallPath = "/usr/local/bin/k3s-uninstall.sh"
)

// RunFunc shells out; swapped in tests.
type RunFunc func(name string, args ...string) (string, error)

// Handler owns the single cluster client of the guest process. Ready state
// is monotonic: once the client opens, it stays open until process exit.
type Handler struct {
	client  kubernetes.Interface
	metrics metricsclient.Interface
	ready   atomic.Bool

	run            RunFunc
	kubeconfigPath string
	logger         *zap.Logger

	// poll budgets, shrunk in tests
	startupTimeout  time.Duration
	deletionTimeout time.Duration
	metricsTimeout  time.Duration
	pollInterval    time.Duration
	metricsInterval time.Duration
}

// NewHandler returns a handler that will lazily connect on EnsureReady.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		run:             runCommand,
		kubeconfigPath:  defaultKubeconfigPath(),
		logger:          logger,
		startupTimeout:  podMaxStartupTime,
		deletionTimeout: podDeletionTime,
		metricsTimeout:  metricsServerWait,
		pollInterval:    podPollInterval,
		metricsInterval: metricsPollInterval,
	}
}

func defaultKubeconfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("USERPROFILE"), ".kube", "config")
	}
	return "/etc/rancher/k3s/k3s.yaml"
}

// Ready reports whether the cluster client is open.
func (h *Handler) Ready() bool {
	return h.ready.Load()
}

// EnsureReady is idempotent: it installs the cluster distribution if its CLI
// is absent, then opens the client from the node kubeconfig.
func (h *Handler) EnsureReady(ctx context.Context) error {
	if h.ready.Load() {
		return nil
	}
	if _, err := h.run("kubectl", "version", "--client"); err != nil {
		h.logger.Info("Cluster CLI absent, installing")
		if _, err := h.run("sh", clusterInstallerPath); err != nil {
			return fmt.Errorf("kube: install cluster: %w", err)
		}
	}
	if err := h.openClient(); err != nil {
		return err
	}
	h.ready.Store(true)
	return nil
}

func (h *Handler) openClient() error {
	cfg, err := clientcmd.BuildConfigFromFlags("", h.kubeconfigPath)
	if err != nil {
		return fmt.Errorf("kube: load kubeconfig %s: %w", h.kubeconfigPath, err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("kube: open client: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("kube: open metrics client: %w", err)
	}
	h.client = client
	h.metrics = metrics
	return nil
}

// Prepare brings the cluster to a usable state: client open and metrics API
// answering for the system namespace. A cluster whose metrics API never
// comes up is reinstalled once before giving up.
func (h *Handler) Prepare(ctx context.Context) error {
	if err := h.EnsureReady(ctx); err != nil {
		return err
	}
	h.logger.Info("Waiting for metrics server")
	if h.waitForMetricsServer(ctx) {
		return nil
	}

	h.logger.Warn("Metrics server never answered, reinstalling cluster")
	if _, err := h.run("sh", clusterUninstallPath); err != nil {
		return fmt.Errorf("kube: uninstall for reinstall: %w", err)
	}
	if _, err := h.run("sh", clusterInstallerPath); err != nil {
		return fmt.Errorf("kube: reinstall: %w", err)
	}
	if err := h.openClient(); err != nil {
		return err
	}
	if !h.waitForMetricsServer(ctx) {
		return fmt.Errorf("kube: metrics server unavailable after reinstall")
	}
	return nil
}

func (h *Handler) waitForMetricsServer(ctx context.Context) bool {
	deadline := time.Now().Add(h.metricsTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if _, err := h.NamespaceDetails(ctx, systemNamespace); err == nil {
			return true
		}
		time.Sleep(h.metricsInterval)
	}
	return false
}

// CreateNamespace is idempotent: an existing namespace is success.
func (h *Handler) CreateNamespace(ctx context.Context, name string) error {
	namespaces, err := h.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("kube: list namespaces: %w", err)
	}
	for _, ns := range namespaces.Items {
		if ns.Name == name {
			return nil
		}
	}
	_, err = h.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("kube: create namespace %s: %w", name, err)
	}
	return nil
}

const podNameSuffixLen = 10

func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// RunPod creates a single-container pod named image plus a random suffix and
// waits for it to reach Running. A pod that settles in any other phase, or
// never leaves Pending within the budget, is deleted and reported as failed.
func (h *Handler) RunPod(ctx context.Context, image, version string, env map[string]string, namespace string) (string, error) {
	podName := image + "-" + randomSuffix(podNameSuffixLen)

	var envVars []corev1.EnvVar
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: podName},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  podName,
				Image: image + ":" + version,
				Env:   envVars,
			}},
		},
	}

	if _, err := h.client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("kube: create pod %s: %w", podName, err)
	}

	if !h.waitForPodRunning(ctx, podName, namespace) {
		h.logger.Error("Pod did not reach Running, deleting", zap.String("pod", podName))
		if _, err := h.DeletePod(ctx, podName, namespace); err != nil {
			h.logger.Error("Cleanup of failed pod", zap.String("pod", podName), zap.Error(err))
		}
		return "", fmt.Errorf("kube: pod %s failed to start", podName)
	}
	return podName, nil
}

func (h *Handler) waitForPodRunning(ctx context.Context, podName, namespace string) bool {
	deadline := time.Now().Add(h.startupTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		pod, err := h.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			h.logger.Error("Read pod during startup wait", zap.String("pod", podName), zap.Error(err))
			return false
		}
		// A pod whose phase is not yet set is still Pending.
		if pod.Status.Phase != corev1.PodPending && pod.Status.Phase != "" {
			return pod.Status.Phase == corev1.PodRunning
		}
		time.Sleep(h.pollInterval)
	}
	return false
}

// DeletePod requests deletion and confirms it: true only when a subsequent
// read reports NotFound within the budget.
func (h *Handler) DeletePod(ctx context.Context, podName, namespace string) (bool, error) {
	if err := h.client.CoreV1().Pods(namespace).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil {
		return false, fmt.Errorf("kube: delete pod %s: %w", podName, err)
	}
	deadline := time.Now().Add(h.deletionTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		_, err := h.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		time.Sleep(h.pollInterval)
	}
	return false, nil
}

// DeleteAllPods removes every pod in the namespace and waits for the list to
// drain.
func (h *Handler) DeleteAllPods(ctx context.Context, namespace string) (bool, error) {
	err := h.client.CoreV1().Pods(namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("kube: delete pods in %s: %w", namespace, err)
	}
	deadline := time.Now().Add(h.deletionTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		pods, err := h.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, fmt.Errorf("kube: list pods in %s: %w", namespace, err)
		}
		if len(pods.Items) == 0 {
			return true, nil
		}
		time.Sleep(h.pollInterval)
	}
	return false, nil
}

// NamespaceDetails queries the metrics API cluster-wide and projects the
// pods of one namespace. Usage values keep the API's string encoding.
func (h *Handler) NamespaceDetails(ctx context.Context, namespace string) (*wire.NamespaceDetails, error) {
	podMetrics, err := h.metrics.MetricsV1beta1().PodMetricses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("kube: list pod metrics: %w", err)
	}

	details := &wire.NamespaceDetails{PodDetails: []wire.PodDetails{}}
	for _, item := range podMetrics.Items {
		if item.Namespace != namespace || len(item.Containers) == 0 {
			continue
		}
		usage := item.Containers[0].Usage
		cpu := usage[corev1.ResourceCPU]
		mem := usage[corev1.ResourceMemory]
		details.PodDetails = append(details.PodDetails, wire.PodDetails{
			PodName:           item.Name,
			CPUUtilization:    cpu.String(),
			MemoryUtilization: mem.String(),
			MeasurementWindow: item.Window.Duration.String(),
		})
	}
	return details, nil
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
