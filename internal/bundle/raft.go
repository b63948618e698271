package bundle

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

// RenderRaftConfig renders the server configuration of an HA secrets
// backend. Every replica joins the raft cluster through the ordinal-0 pod,
// which is the only one the operator initializes.
func RenderRaftConfig(stack *devstackv1alpha1.Stack) []byte {
	file := hclwrite.NewEmptyFile()
	body := file.Body()

	body.SetAttributeValue("ui", cty.True)

	listener := body.AppendNewBlock("listener", []string{"tcp"}).Body()
	listener.SetAttributeValue("tls_disable", cty.NumberIntVal(1))
	listener.SetAttributeValue("address", cty.StringVal(fmt.Sprintf("[::]:%d", constants.SecretsBackendPort)))
	listener.SetAttributeValue("cluster_address", cty.StringVal(fmt.Sprintf("[::]:%d", constants.SecretsBackendClusterPort)))

	storage := body.AppendNewBlock("storage", []string{"raft"}).Body()
	storage.SetAttributeValue("path", cty.StringVal(constants.SecretsBackendDataPath))
	join := storage.AppendNewBlock("retry_join", nil).Body()
	join.SetAttributeValue("leader_api_addr", cty.StringVal(paths.SecretsBackendPeerAddress(stack.Namespace, stack.Name)))

	body.AppendNewBlock("service_registration", []string{"kubernetes"})
	return file.Bytes()
}
