package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	metricsapi "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/alert-history/pkg/resilience"
)

// K8sConfig configures the Kubernetes-backed orchestrator.
type K8sConfig struct {
	Namespace string
	Timeout   time.Duration
	Logger    *slog.Logger

	// RequestsPerSecond and Burst throttle calls this orchestrator issues
	// against the API server, independent of any retry backoff. A zero or
	// negative RequestsPerSecond falls back to the defaults (20 per second,
	// burst 10); throttling is never disabled.
	RequestsPerSecond float64
	Burst             int
}

func DefaultK8sConfig(namespace string) K8sConfig {
	return K8sConfig{
		Namespace:         namespace,
		Timeout:           30 * time.Second,
		Logger:            slog.Default(),
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

// K8sOrchestrator implements ServiceOrchestrator over one Kubernetes
// Deployment-per-service model: a service is a Deployment, its tasks are
// the Deployment's Pods, and get_metrics reads metrics.k8s.io.
type K8sOrchestrator struct {
	clientset kubernetes.Interface
	metrics   metricsv1beta1.Interface
	namespace string
	logger    *slog.Logger
	retry     resilience.Policy
	limiter   *rate.Limiter
}

// NewK8sOrchestrator builds an orchestrator from in-cluster config.
func NewK8sOrchestrator(cfg K8sConfig) (*K8sOrchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading in-cluster config: %w", err)
	}
	if cfg.Timeout > 0 {
		restConfig.Timeout = cfg.Timeout
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating clientset: %w", err)
	}

	metricsClient, err := metricsv1beta1.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating metrics clientset: %w", err)
	}

	rps := cfg.RequestsPerSecond
	burst := cfg.Burst
	if rps <= 0 {
		rps = 20
		burst = 10
	}

	return &K8sOrchestrator{
		clientset: clientset,
		metrics:   metricsClient,
		namespace: cfg.Namespace,
		logger:    logger.With("component", "orchestrator"),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		retry: resilience.Policy{
			MaxAttempts:   4,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			Classifier:    k8sClassifier{},
			Logger:        logger,
			OperationName: "orchestrator",
		},
	}, nil
}

func (o *K8sOrchestrator) GetService(ctx context.Context, name string) (ServiceInfo, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return ServiceInfo{}, fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	dep, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (*appsv1.Deployment, error) {
		return o.clientset.AppsV1().Deployments(o.namespace).Get(ctx, name, metav1.GetOptions{})
	})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ServiceInfo{}, ErrServiceNotFound
		}
		return ServiceInfo{}, fmt.Errorf("orchestrator: get_service %s: %w", name, err)
	}
	return deploymentToServiceInfo(dep), nil
}

func (o *K8sOrchestrator) CreateService(ctx context.Context, spec ServiceInfo) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	dep := serviceInfoToDeployment(spec)
	_, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (*appsv1.Deployment, error) {
		return o.clientset.AppsV1().Deployments(o.namespace).Create(ctx, dep, metav1.CreateOptions{})
	})
	if err != nil {
		return fmt.Errorf("orchestrator: create_service %s: %w", spec.Name, err)
	}
	return nil
}

func (o *K8sOrchestrator) UpdateService(ctx context.Context, name string, update UpdateSpec) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	err := resilience.Do(ctx, o.retry, func(ctx context.Context) error {
		dep, err := o.clientset.AppsV1().Deployments(o.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}

		if update.Image != nil && len(dep.Spec.Template.Spec.Containers) > 0 {
			dep.Spec.Template.Spec.Containers[0].Image = *update.Image
		}
		if update.Replicas != nil {
			dep.Spec.Replicas = update.Replicas
		}
		if update.Env != nil && len(dep.Spec.Template.Spec.Containers) > 0 {
			dep.Spec.Template.Spec.Containers[0].Env = envMapToVars(update.Env)
		}
		if update.Force {
			if dep.Spec.Template.Annotations == nil {
				dep.Spec.Template.Annotations = map[string]string{}
			}
			dep.Spec.Template.Annotations["alert-history/force-update"] = fmt.Sprintf("%d", time.Now().UnixNano())
		}

		_, err = o.clientset.AppsV1().Deployments(o.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ErrServiceNotFound
		}
		return fmt.Errorf("orchestrator: update_service %s: %w", name, err)
	}
	return nil
}

func (o *K8sOrchestrator) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	list, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (*appsv1.DeploymentList, error) {
		return o.clientset.AppsV1().Deployments(o.namespace).List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list_services: %w", err)
	}

	out := make([]ServiceInfo, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, deploymentToServiceInfo(&list.Items[i]))
	}
	return out, nil
}

func (o *K8sOrchestrator) GetTasks(ctx context.Context, name string) ([]TaskInfo, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	pods, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (*corev1.PodList, error) {
		return o.clientset.CoreV1().Pods(o.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("app=%s", name),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get_tasks %s: %w", name, err)
	}

	out := make([]TaskInfo, 0, len(pods.Items))
	for _, p := range pods.Items {
		out = append(out, TaskInfo{
			ID:    p.Name,
			State: podPhaseToTaskState(p.Status.Phase),
			Image: podImage(&p),
		})
	}
	return out, nil
}

func (o *K8sOrchestrator) GetMetrics(ctx context.Context, name string) (ServiceMetrics, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return ServiceMetrics{}, fmt.Errorf("orchestrator: rate limit wait: %w", err)
	}
	podMetricsList, err := resilience.DoValue(ctx, o.retry, func(ctx context.Context) (*metricsapi.PodMetricsList, error) {
		return o.metrics.MetricsV1beta1().PodMetricses(o.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("app=%s", name),
		})
	})
	if err != nil {
		return ServiceMetrics{}, fmt.Errorf("orchestrator: get_metrics %s: %w", name, err)
	}

	dep, err := o.GetService(ctx, name)
	if err != nil {
		return ServiceMetrics{}, err
	}

	return aggregateMetrics(podMetricsList, dep), nil
}

// k8sClassifier treats rate limiting, server timeouts, and server errors
// as retryable; auth and not-found errors are not.
type k8sClassifier struct{}

func (k8sClassifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if k8serrors.IsUnauthorized(err) || k8serrors.IsForbidden(err) || k8serrors.IsNotFound(err) || k8serrors.IsInvalid(err) {
		return false
	}
	if k8serrors.IsTimeout(err) || k8serrors.IsServerTimeout(err) || k8serrors.IsInternalError(err) ||
		k8serrors.IsServiceUnavailable(err) || k8serrors.IsTooManyRequests(err) {
		return true
	}
	return resilience.NetworkClassifier{}.Retryable(err)
}

func deploymentToServiceInfo(dep *appsv1.Deployment) ServiceInfo {
	info := ServiceInfo{
		Name:     dep.Name,
		Labels:   dep.Labels,
		Env:      map[string]string{},
		Replicas: 1,
	}
	if dep.Spec.Replicas != nil {
		info.Replicas = *dep.Spec.Replicas
	}
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		c := dep.Spec.Template.Spec.Containers[0]
		info.Image = c.Image
		for _, e := range c.Env {
			info.Env[e.Name] = e.Value
		}
		if cpu := c.Resources.Requests.Cpu(); cpu != nil {
			info.ResourceCPU = cpu.String()
		}
		if mem := c.Resources.Requests.Memory(); mem != nil {
			info.ResourceMem = mem.String()
		}
	}
	return info
}

func serviceInfoToDeployment(spec ServiceInfo) *appsv1.Deployment {
	replicas := spec.Replicas
	if replicas == 0 {
		replicas = 1
	}
	labels := map[string]string{"app": spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resources := corev1.ResourceRequirements{Requests: corev1.ResourceList{}}
	if spec.ResourceCPU != "" {
		resources.Requests[corev1.ResourceCPU] = resource.MustParse(spec.ResourceCPU)
	}
	if spec.ResourceMem != "" {
		resources.Requests[corev1.ResourceMemory] = resource.MustParse(spec.ResourceMem)
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": spec.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:      spec.Name,
						Image:     spec.Image,
						Env:       envMapToVars(spec.Env),
						Resources: resources,
					}},
				},
			},
		},
	}
}

func envMapToVars(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}

func podPhaseToTaskState(phase corev1.PodPhase) TaskState {
	switch phase {
	case corev1.PodRunning:
		return TaskRunning
	case corev1.PodFailed:
		return TaskFailed
	default:
		return TaskPending
	}
}

func podImage(p *corev1.Pod) string {
	if len(p.Spec.Containers) == 0 {
		return ""
	}
	return p.Spec.Containers[0].Image
}

// aggregateMetrics sums per-pod CPU/memory usage from metrics.k8s.io and
// expresses each as a fraction of the service's requested resources, the
// shape the scaling policy compares against its thresholds.
func aggregateMetrics(list *metricsapi.PodMetricsList, service ServiceInfo) ServiceMetrics {
	var cpuUsed, memUsed int64
	for _, pm := range list.Items {
		for _, c := range pm.Containers {
			cpuUsed += c.Usage.Cpu().MilliValue()
			memUsed += c.Usage.Memory().Value()
		}
	}

	cpuRequested := int64(100) // default 100m if the service specifies no request
	if service.ResourceCPU != "" {
		if q, err := resource.ParseQuantity(service.ResourceCPU); err == nil {
			cpuRequested = q.MilliValue()
		}
	}
	memRequested := int64(128 * 1024 * 1024)
	if service.ResourceMem != "" {
		if q, err := resource.ParseQuantity(service.ResourceMem); err == nil {
			memRequested = q.Value()
		}
	}
	if service.Replicas > 1 {
		cpuRequested *= int64(service.Replicas)
		memRequested *= int64(service.Replicas)
	}

	return ServiceMetrics{
		CPU: float64(cpuUsed) / float64(cpuRequested),
		Mem: float64(memUsed) / float64(memRequested),
	}
}
