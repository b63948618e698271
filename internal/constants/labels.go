package constants

// Common Kubernetes label keys used by the operator.
const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppInstance  = "app.kubernetes.io/instance"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
	LabelAppComponent = "app.kubernetes.io/component"

	LabelDevstackStack     = "devstack.dc-tec.io/stack"
	LabelDevstackComponent = "devstack.dc-tec.io/component"
	LabelDevstackJob       = "devstack.dc-tec.io/job"
)

// Common label values used by the operator.
const (
	LabelValueAppManagedByDevstackOperator = "devstack-operator"

	LabelValueComponentUnsealMaterial = "unseal-material"
	LabelValueComponentCIAdmin        = "ci-admin"
	LabelValueComponentJob            = "job"
)

// Annotation keys written by the operator.
const (
	// AnnotationJobSpecHash records the stack job definition a Job was built from.
	AnnotationJobSpecHash = "devstack.dc-tec.io/job-spec-hash"
)
