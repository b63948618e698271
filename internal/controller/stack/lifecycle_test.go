package stack

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bootstrap"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore/secretstoretest"
)

var _ = Describe("Stack lifecycle", Ordered, func() {
	ctx := context.Background()

	var e *env

	BeforeAll(func() {
		e = newEnv(GinkgoTB(), fullStack())
	})

	It("converges a new stack to Ready", func() {
		_, err := e.converge()
		Expect(err).NotTo(HaveOccurred())

		stack, err := e.stack()
		Expect(err).NotTo(HaveOccurred())
		Expect(stack.Status.Phase).To(Equal(devstackv1alpha1.StackPhaseReady))
		Expect(stack.Status.Components).To(HaveLen(3))
		Expect(stack.Status.SecretsBackend.LastBootstrapAction).To(Equal(string(bootstrap.ActionFreshInit)))
	})

	It("unseals a backend that was restarted sealed", func() {
		e.srv.Seal()

		_, err := e.reconcile()
		Expect(err).NotTo(HaveOccurred())

		initialized, sealed := e.srv.Status()
		Expect(initialized).To(BeTrue())
		Expect(sealed).To(BeFalse())
		Expect(e.srv.Calls(secretstoretest.OpUnseal)).To(BeNumerically(">=", 1))

		stack, err := e.stack()
		Expect(err).NotTo(HaveOccurred())
		Expect(stack.Status.SecretsBackend.LastBootstrapAction).To(Equal(string(bootstrap.ActionValidateThenUnseal)))
		Expect(stack.Status.Phase).To(Equal(devstackv1alpha1.StackPhaseReady))
	})

	It("reinitializes a backend whose storage was wiped and rewires consumers", func() {
		e.srv.Wipe()

		_, err := e.reconcile()
		Expect(err).NotTo(HaveOccurred())

		stack, err := e.stack()
		Expect(err).NotTo(HaveOccurred())
		Expect(stack.Status.SecretsBackend.LastBootstrapAction).To(Equal(string(bootstrap.ActionReinitialize)))
		Expect(stack.Status.SecretsBackend.LastReinitializeTime).NotTo(BeNil())

		role, err := paths.RoleName(testStackName, "app")
		Expect(err).NotTo(HaveOccurred())
		_, ok := e.srv.DatabaseRole(role)
		Expect(ok).To(BeTrue(), "database roles are recreated on the fresh backend")

		kvPath, err := paths.StaticSecretPath(testNamespace, testStackName, constants.ComponentCIServer)
		Expect(err).NotTo(HaveOccurred())
		stored, _, ok := e.srv.KV(constants.MountPathKV, kvPath)
		Expect(ok).To(BeTrue())

		admin := &corev1.Secret{}
		Expect(e.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: paths.CIAdminSecretName(testStackName)}, admin)).To(Succeed())
		Expect(string(admin.Data[constants.SecretKeyCIAdminPassword])).To(Equal(stored[ciAdminPasswordKey]))
	})

	It("tears the stack down on delete", func() {
		stack, err := e.stack()
		Expect(err).NotTo(HaveOccurred())
		Expect(e.client.Delete(ctx, stack)).To(Succeed())

		_, err = e.reconcile()
		Expect(err).NotTo(HaveOccurred())

		_, err = e.stack()
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
		for _, release := range []string{secretsRelease, databaseRelease, ciRelease} {
			_, installed := e.deployer.Release(release)
			Expect(installed).To(BeFalse(), release)
		}
	})
})
