package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/alert-history/pkg/resilience"
)

func defaultTestRetryPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 1, Classifier: k8sClassifier{}}
}

func testDeployment(name, image string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{"app": name}},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: name, Image: image}},
				},
			},
		},
	}
}

func newFakeOrchestrator(objects ...runtime.Object) *K8sOrchestrator {
	return &K8sOrchestrator{
		clientset: fake.NewSimpleClientset(objects...),
		namespace: "default",
		retry:     defaultTestRetryPolicy(),
		limiter:   rate.NewLimiter(rate.Inf, 0),
	}
}

func TestK8sOrchestrator_GetService_Found(t *testing.T) {
	dep := testDeployment("worker", "registry/worker:v1", 3)
	o := newFakeOrchestrator(dep)

	info, err := o.GetService(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", info.Name)
	assert.Equal(t, "registry/worker:v1", info.Image)
	assert.Equal(t, int32(3), info.Replicas)
}

func TestK8sOrchestrator_GetService_NotFound(t *testing.T) {
	o := newFakeOrchestrator()

	_, err := o.GetService(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestK8sOrchestrator_CreateService(t *testing.T) {
	o := newFakeOrchestrator()

	err := o.CreateService(context.Background(), ServiceInfo{Name: "worker", Image: "registry/worker:v1", Replicas: 2})
	require.NoError(t, err)

	info, err := o.GetService(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, int32(2), info.Replicas)
}

func TestK8sOrchestrator_UpdateService(t *testing.T) {
	dep := testDeployment("worker", "registry/worker:v1", 2)
	o := newFakeOrchestrator(dep)

	newImage := "registry/worker:v2"
	newReplicas := int32(4)
	err := o.UpdateService(context.Background(), "worker", UpdateSpec{Image: &newImage, Replicas: &newReplicas})
	require.NoError(t, err)

	info, err := o.GetService(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, "registry/worker:v2", info.Image)
	assert.Equal(t, int32(4), info.Replicas)
}

func TestK8sOrchestrator_UpdateService_NotFound(t *testing.T) {
	o := newFakeOrchestrator()

	err := o.UpdateService(context.Background(), "missing", UpdateSpec{})
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestK8sOrchestrator_ListServices(t *testing.T) {
	o := newFakeOrchestrator(
		testDeployment("worker", "registry/worker:v1", 2),
		testDeployment("operator", "registry/operator:v1", 1),
	)

	services, err := o.ListServices(context.Background())
	require.NoError(t, err)
	assert.Len(t, services, 2)
}

func TestK8sOrchestrator_GetTasks(t *testing.T) {
	dep := testDeployment("worker", "registry/worker:v1", 1)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-abc", Labels: map[string]string{"app": "worker"}},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "worker", Image: "registry/worker:v1"}}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	o := newFakeOrchestrator(dep, pod)

	tasks, err := o.GetTasks(context.Background(), "worker")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskRunning, tasks[0].State)
}

func TestK8sClassifier_Retryable(t *testing.T) {
	c := k8sClassifier{}
	assert.False(t, c.Retryable(nil))
}
