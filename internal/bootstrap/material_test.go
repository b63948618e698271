package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

func TestMaterialStore_SaveLoadReplaceDelete(t *testing.T) {
	ctx := context.Background()
	stack := testStack()
	c := fake.NewClientBuilder().WithScheme(testScheme).Build()
	store := NewMaterialStore(c)

	_, present, err := store.Load(ctx, stack)
	require.NoError(t, err)
	assert.False(t, present)

	first := &Material{Keys: []string{"a", "b", "c"}, RootToken: "s.one"}
	require.NoError(t, store.Save(ctx, stack, first))

	got, present, err := store.Load(ctx, stack)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, first, got)

	second := &Material{Keys: []string{"d"}, RootToken: "s.two"}
	require.NoError(t, store.Save(ctx, stack, second), "an existing Secret is replaced")

	got, _, err = store.Load(ctx, stack)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	secret := &corev1.Secret{}
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "dev", Name: "demo-unseal-material"}, secret))
	assert.Equal(t, "demo", secret.Labels[constants.LabelDevstackStack])
	require.Len(t, secret.OwnerReferences, 1)
	assert.Equal(t, stack.UID, secret.OwnerReferences[0].UID)

	require.NoError(t, store.Delete(ctx, stack))
	require.NoError(t, store.Delete(ctx, stack), "deleting twice is not an error")
	_, present, err = store.Load(ctx, stack)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestMaterialStore_MalformedSecretIsPresentButUnusable(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-unseal-material", Namespace: "dev"},
		Data: map[string][]byte{
			constants.SecretKeyUnsealKeys: []byte("not-json"),
			constants.SecretKeyRootToken:  []byte("s.token"),
		},
	}
	c := fake.NewClientBuilder().WithScheme(testScheme).WithObjects(secret).Build()

	got, present, err := NewMaterialStore(c).Load(context.Background(), testStack())
	require.NoError(t, err)
	assert.True(t, present)
	assert.False(t, got.usable())
	assert.Equal(t, "s.token", got.RootToken)
}
