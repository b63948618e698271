package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

// Material is the root token and unseal key shares of a stack's backend.
// It must never be logged.
type Material struct {
	Keys      []string
	RootToken string
}

// usable reports whether the material can unseal and authenticate at all.
func (m *Material) usable() bool {
	return m != nil && len(m.Keys) > 0 && m.RootToken != ""
}

// MaterialStore persists Material in the stack's unseal material Secret.
type MaterialStore struct {
	client client.Client
}

// NewMaterialStore creates a MaterialStore.
func NewMaterialStore(c client.Client) *MaterialStore {
	return &MaterialStore{client: c}
}

// Load returns the stored material and whether the Secret exists. A Secret
// that exists but cannot be decoded is reported as present with unusable
// material, which bootstrap treats as corruption.
func (s *MaterialStore) Load(ctx context.Context, stack *devstackv1alpha1.Stack) (*Material, bool, error) {
	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: stack.Namespace, Name: paths.UnsealMaterialSecretName(stack.Name)}
	if err := s.client.Get(ctx, key, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get unseal material Secret %s: %w", key, err)
	}

	material := &Material{RootToken: string(secret.Data[constants.SecretKeyRootToken])}
	if raw := secret.Data[constants.SecretKeyUnsealKeys]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &material.Keys); err != nil {
			material.Keys = nil
		}
	}
	return material, true, nil
}

// Save creates the Secret or replaces an existing one wholesale.
func (s *MaterialStore) Save(ctx context.Context, stack *devstackv1alpha1.Stack, material *Material) error {
	keys, err := json.Marshal(material.Keys)
	if err != nil {
		return fmt.Errorf("failed to encode unseal keys: %w", err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            paths.UnsealMaterialSecretName(stack.Name),
			Namespace:       stack.Namespace,
			Labels:          kube.StackLabels(stack, constants.LabelValueComponentUnsealMaterial),
			OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(stack)},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			constants.SecretKeyUnsealKeys: keys,
			constants.SecretKeyRootToken:  []byte(material.RootToken),
		},
	}
	return kube.CreateOrReplaceSecret(ctx, s.client, secret)
}

// Delete removes the Secret; absence is success.
func (s *MaterialStore) Delete(ctx context.Context, stack *devstackv1alpha1.Stack) error {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{
		Name:      paths.UnsealMaterialSecretName(stack.Name),
		Namespace: stack.Namespace,
	}}
	if err := kube.DeleteIgnoreNotFound(ctx, s.client, secret); err != nil {
		return fmt.Errorf("failed to delete unseal material Secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	return nil
}
