// Package credentials provisions the credentials a stack's components and jobs
// obtain from the secrets backend: the database connection and its dynamic
// roles, static KV secrets, and per-job access policies.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// databaseAdminUser is the superuser created by the database bundle.
const databaseAdminUser = "postgres"

// RoleSpec describes a dynamic database credential role.
type RoleSpec struct {
	// Name is the role name under the database mount.
	Name string
	// DBName is the connection the role issues credentials against.
	DBName string
	// CreationSQL are the statements run to create a credential. They may
	// use the {{name}}, {{password}} and {{expiration}} placeholders.
	CreationSQL []string
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
}

// Provisioner writes database and job credentials for a stack. It reads the
// database admin password from the cluster.
type Provisioner struct {
	client client.Client
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(c client.Client) *Provisioner {
	return &Provisioner{client: c}
}

// ConfigureDatabaseConnection points the database secrets engine at the
// stack's PostgreSQL service, authenticating as the bundle's admin user. The
// connection allows every consumer role of the stack.
func (p *Provisioner) ConfigureDatabaseConnection(ctx context.Context, logger logr.Logger, api secretstore.API, stack *devstackv1alpha1.Stack) error {
	name, err := paths.ConnectionName(stack.Name)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(err)
	}
	allowed, err := consumerRoleNames(stack)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(err)
	}

	adminSecret := paths.DatabaseFullName(stack.Name)
	password, err := kube.ReadSecretValue(ctx, p.client, stack.Namespace, adminSecret, constants.SecretKeyPostgresPassword)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return operatorerrors.WrapPermanentPrerequisitesMissing(fmt.Errorf("database admin Secret %s/%s not found", stack.Namespace, adminSecret))
		}
		return fmt.Errorf("failed to read database admin password: %w", err)
	}

	cfg := secretstore.DatabaseConfig{
		PluginName:    constants.PluginNamePostgreSQL,
		ConnectionURL: connectionURL(stack),
		AllowedRoles:  allowed,
		Username:      databaseAdminUser,
		Password:      string(password),
	}
	if err := api.WriteDatabaseConfig(ctx, constants.MountPathDatabase, name, cfg); err != nil {
		return fmt.Errorf("failed to write database connection %s: %w", name, err)
	}

	logging.LogAuditEvent(logger, logging.EventDatabaseConnectionWritten, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"connection_name": name,
		"role_count":      fmt.Sprint(len(allowed)),
	})
	return nil
}

// EnsureDatabaseCredentials configures the connection and one dynamic role
// per consumer.
func (p *Provisioner) EnsureDatabaseCredentials(ctx context.Context, logger logr.Logger, api secretstore.API, stack *devstackv1alpha1.Stack) error {
	if err := p.ConfigureDatabaseConnection(ctx, logger, api, stack); err != nil {
		return err
	}
	if stack.Spec.Database == nil {
		return nil
	}
	for _, consumer := range stack.Spec.Database.Consumers {
		spec, err := DefaultRoleSpec(stack, consumer)
		if err != nil {
			return operatorerrors.WrapPermanentConfig(err)
		}
		if err := CreateRole(ctx, api, spec); err != nil {
			return err
		}
		logging.LogAuditEvent(logger, logging.EventDatabaseRoleWritten, map[string]string{
			"stack_namespace": stack.Namespace,
			"stack_name":      stack.Name,
			"role_name":       spec.Name,
		})
	}
	return nil
}

// DefaultRoleSpec returns the role of a consumer: a login role with all
// privileges on the stack's database, bounded by the stack's credential TTLs.
func DefaultRoleSpec(stack *devstackv1alpha1.Stack, consumer string) (RoleSpec, error) {
	name, err := paths.RoleName(stack.Name, consumer)
	if err != nil {
		return RoleSpec{}, err
	}
	connection, err := paths.ConnectionName(stack.Name)
	if err != nil {
		return RoleSpec{}, err
	}

	return RoleSpec{
		Name:   name,
		DBName: connection,
		CreationSQL: []string{
			`CREATE ROLE "{{name}}" WITH LOGIN PASSWORD '{{password}}' VALID UNTIL '{{expiration}}';`,
			fmt.Sprintf(`GRANT ALL PRIVILEGES ON DATABASE %s TO "{{name}}";`, quoteIdentifier(stack.DatabaseName())),
		},
		DefaultTTL: stack.Spec.Credentials.EffectiveDefaultTTL(),
		MaxTTL:     stack.Spec.Credentials.EffectiveMaxTTL(),
	}, nil
}

// CreateRole creates or replaces a dynamic credential role.
func CreateRole(ctx context.Context, api secretstore.API, spec RoleSpec) error {
	if spec.Name == "" || spec.DBName == "" {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("database role requires a name and a connection"))
	}
	if len(spec.CreationSQL) == 0 {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("database role %s has no creation statements", spec.Name))
	}
	if spec.MaxTTL > 0 && spec.DefaultTTL > spec.MaxTTL {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("database role %s default TTL %s exceeds max TTL %s", spec.Name, spec.DefaultTTL, spec.MaxTTL))
	}

	role := secretstore.DatabaseRole{
		DBName:             spec.DBName,
		CreationStatements: spec.CreationSQL,
		DefaultTTL:         int(spec.DefaultTTL / time.Second),
		MaxTTL:             int(spec.MaxTTL / time.Second),
	}
	if err := api.WriteDatabaseRole(ctx, constants.MountPathDatabase, spec.Name, role); err != nil {
		return fmt.Errorf("failed to write database role %s: %w", spec.Name, err)
	}
	return nil
}

// ReadRole reads a dynamic credential role back from the backend.
func ReadRole(ctx context.Context, api secretstore.API, name string) (*RoleSpec, error) {
	role, err := api.ReadDatabaseRole(ctx, constants.MountPathDatabase, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read database role %s: %w", name, err)
	}
	return &RoleSpec{
		Name:        name,
		DBName:      role.DBName,
		CreationSQL: role.CreationStatements,
		DefaultTTL:  time.Duration(role.DefaultTTL) * time.Second,
		MaxTTL:      time.Duration(role.MaxTTL) * time.Second,
	}, nil
}

func consumerRoleNames(stack *devstackv1alpha1.Stack) ([]string, error) {
	names := []string{}
	if stack.Spec.Database == nil {
		return names, nil
	}
	for _, consumer := range stack.Spec.Database.Consumers {
		name, err := paths.RoleName(stack.Name, consumer)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func connectionURL(stack *devstackv1alpha1.Stack) string {
	return fmt.Sprintf("postgresql://{{username}}:{{password}}@%s/%s?sslmode=disable",
		paths.DatabaseServiceHost(stack.Namespace, stack.Name), stack.DatabaseName())
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
