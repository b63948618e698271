package credentials

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// RenderJobPolicy renders the ACL policy that lets a job read the secrets
// under its own path.
func RenderJobPolicy(stack *devstackv1alpha1.Stack, job string) ([]byte, error) {
	secretPath, err := paths.JobSecretPath(stack.Namespace, stack.Name, job)
	if err != nil {
		return nil, err
	}
	dataPath := constants.MountPathKV + "/data/" + secretPath

	file := hclwrite.NewEmptyFile()
	body := file.Body()
	for _, p := range []string{dataPath, dataPath + "/*"} {
		block := hclwrite.NewBlock("path", []string{p})
		block.Body().SetAttributeValue("capabilities", cty.ListVal([]cty.Value{cty.StringVal("read")}))
		body.AppendBlock(block)
	}
	return file.Bytes(), nil
}

// ConfigureJobAccess writes the job's ACL policy and binds a kubernetes auth
// role of the same name to the job's service account.
func ConfigureJobAccess(ctx context.Context, logger logr.Logger, api secretstore.API, stack *devstackv1alpha1.Stack, job devstackv1alpha1.StackJob) error {
	roleName, err := paths.JobRoleName(stack.Name, job.Name)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(err)
	}
	policy, err := RenderJobPolicy(stack, job.Name)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(err)
	}

	if err := api.WritePolicy(ctx, roleName, string(policy)); err != nil {
		return fmt.Errorf("failed to write policy %s: %w", roleName, err)
	}

	role := secretstore.KubernetesRole{
		BoundServiceAccountNames:      []string{paths.JobServiceAccountName(stack.Name, job.Name)},
		BoundServiceAccountNamespaces: []string{stack.Namespace},
		TokenPolicies:                 []string{roleName},
		TokenTTL:                      int(stack.Spec.Credentials.EffectiveDefaultTTL().Seconds()),
	}
	if err := api.WriteKubernetesRole(ctx, constants.MountPathKubernetesAuth, roleName, role); err != nil {
		return fmt.Errorf("failed to write kubernetes auth role %s: %w", roleName, err)
	}

	logging.LogAuditEvent(logger, logging.EventJobAccessGranted, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"job_name":        job.Name,
		"role_name":       roleName,
	})
	return nil
}
