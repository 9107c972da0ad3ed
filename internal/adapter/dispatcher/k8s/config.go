package k8s

import (
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// loadRESTConfig builds a client-go REST config. An empty kubeconfig path
// selects the in-cluster service account (the evalworker runs as a pod);
// a non-empty path loads a kubeconfig file for local/dev use.
func loadRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}
