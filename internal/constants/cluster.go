package constants

// KubernetesAPIHost is the in-cluster Kubernetes API address given to the kubernetes auth method.
const KubernetesAPIHost = "https://kubernetes.default.svc"
