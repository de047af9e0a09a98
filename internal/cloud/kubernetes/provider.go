// Package kubernetes provisions one pod per sandbox on a Kubernetes
// cluster. It is one implementation of the cloud.Provider collaborator; the
// orchestrator core never imports it directly.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/habbes/sandstorm/internal/cloud"
	"github.com/habbes/sandstorm/pkg/model"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	DefaultNamespace = "sandbox-fleet"

	labelApp       = "sandstorm"
	labelSandboxID = "sandstorm/sandbox-id"

	annotationCreatedAt = "sandstorm/created-at"
	annotationTagPrefix = "sandstorm.tag/"

	envOrchestratorEndpoint = "SANDSTORM_ORCHESTRATOR_ENDPOINT"
	envSandboxID            = "SANDSTORM_SANDBOX_ID"

	// defaultBaseImage is resolved and pinned by BuildDefaultImage.
	defaultBaseImage = "ubuntu:24.04"
)

type Config struct {
	KubeconfigPath string
	Namespace      string
	BaseImage      string
}

// Provider runs each sandbox as a pod. The pod name doubles as the opaque
// VM handle the core stores.
type Provider struct {
	clientset kubernetes.Interface
	namespace string
	baseImage string
}

func NewProvider(cfg Config) (*Provider, error) {
	var restCfg *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	baseImage := cfg.BaseImage
	if baseImage == "" {
		baseImage = defaultBaseImage
	}
	return &Provider{clientset: clientset, namespace: namespace, baseImage: baseImage}, nil
}

// EnsureNamespace creates the sandbox namespace when it does not exist yet.
func (p *Provider) EnsureNamespace(ctx context.Context) error {
	_, err := p.clientset.CoreV1().Namespaces().Get(ctx, p.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: p.namespace},
	}
	_, err = p.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (p *Provider) Namespace() string {
	return p.namespace
}

func (p *Provider) CreateSandbox(ctx context.Context, sandboxID string, cfg model.SandboxConfiguration, orchestratorEndpoint string) (*cloud.CreateResult, error) {
	podName := fmt.Sprintf("sandbox-%s", sandboxID)
	cpu, memory := resourcesForSize(cfg.Size)

	envVars := []corev1.EnvVar{
		{Name: envOrchestratorEndpoint, Value: orchestratorEndpoint},
		{Name: envSandboxID, Value: sandboxID},
	}
	for k, v := range cfg.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	annotations := map[string]string{
		annotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range cfg.Tags {
		annotations[annotationTagPrefix+k] = v
	}

	var runAsUser int64 = 1000

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: p.namespace,
			Labels: map[string]string{
				"app":          labelApp,
				labelSandboxID: sandboxID,
			},
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
			Containers: []corev1.Container{
				{
					Name:            "agent",
					Image:           cfg.ImageID,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env:             envVars,
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(cpu),
							corev1.ResourceMemory: resource.MustParse(memory),
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("100m"),
							corev1.ResourceMemory: resource.MustParse("128Mi"),
						},
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: boolPtr(false),
						RunAsNonRoot:             boolPtr(true),
						RunAsUser:                &runAsUser,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: "/workspace"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}

	created, err := p.clientset.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox pod: %w", err)
	}
	return &cloud.CreateResult{
		VMHandle: created.Name,
		PublicIP: created.Status.PodIP,
	}, nil
}

// BuildDefaultImage resolves the configured base image to a digest-pinned
// reference, so every default sandbox runs the exact same image bytes.
func (p *Provider) BuildDefaultImage(ctx context.Context, orchestratorEndpoint string) (string, error) {
	digest, err := crane.Digest(p.baseImage, crane.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to resolve base image %q: %w", p.baseImage, err)
	}
	ref := p.baseImage
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		ref = ref[:i]
	}
	return ref + "@" + digest, nil
}

func (p *Provider) DeleteSandbox(ctx context.Context, vmHandle string) error {
	err := p.clientset.CoreV1().Pods(p.namespace).Delete(ctx, vmHandle, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func resourcesForSize(size string) (cpu, memory string) {
	switch strings.ToLower(size) {
	case "large":
		return "2", "4Gi"
	case "medium":
		return "1", "2Gi"
	default:
		return "500m", "512Mi"
	}
}

func boolPtr(b bool) *bool {
	return &b
}
