package main

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"tailscale.com/ipn"
)

const kubeTimeout = 10 * time.Second

// kubeStateStore keeps tailscale node state in a Kubernetes secret, one key
// per state key, prefixed with the node name so several nodes can share a
// secret.
type kubeStateStore struct {
	client    kubernetes.Interface
	namespace string
	secret    string
	name      string

	mu sync.Mutex
}

// newKubeStateStore connects with kubeconfig, or with the in-cluster
// configuration when kubeconfig is empty. secretName is "namespace/name".
func newKubeStateStore(kubeconfig, secretName, nodeName string) (*kubeStateStore, error) {
	var kubeConfig *rest.Config
	if kubeconfig != "" {
		c, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubeconfig from %s: %w", kubeconfig, err)
		}
		kubeConfig = c
	} else {
		c, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("building in-cluster kubeconfig: %w", err)
		}
		kubeConfig = c
	}
	cs, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return kubeStateStoreFor(cs, secretName, nodeName)
}

func kubeStateStoreFor(client kubernetes.Interface, secretName, nodeName string) (*kubeStateStore, error) {
	namespace, secret, ok := strings.Cut(secretName, "/")
	if !ok || namespace == "" || secret == "" {
		return nil, fmt.Errorf("invalid secret name %q, want namespace/name", secretName)
	}
	return &kubeStateStore{
		client:    client,
		namespace: namespace,
		secret:    secret,
		name:      nodeName,
	}, nil
}

// dataKey maps a state key to a valid secret data key.
func (s *kubeStateStore) dataKey(id ipn.StateKey) string {
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, string(id))
	return s.name + "." + key
}

func (s *kubeStateStore) get(ctx context.Context) (*corev1.Secret, error) {
	return s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.secret, metav1.GetOptions{})
}

// ReadState implements ipn.StateStore.
func (s *kubeStateStore) ReadState(id ipn.StateKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), kubeTimeout)
	defer cancel()

	sec, err := s.get(ctx)
	if apierrors.IsNotFound(err) {
		return nil, ipn.ErrStateNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s/%s: %w", s.namespace, s.secret, err)
	}
	b, ok := sec.Data[s.dataKey(id)]
	if !ok {
		return nil, ipn.ErrStateNotExist
	}
	return b, nil
}

// WriteState implements ipn.StateStore. The secret is created on first
// write.
func (s *kubeStateStore) WriteState(id ipn.StateKey, bs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), kubeTimeout)
	defer cancel()

	secrets := s.client.CoreV1().Secrets(s.namespace)
	sec, err := s.get(ctx)
	if apierrors.IsNotFound(err) {
		sec = &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: s.secret, Namespace: s.namespace},
			Data:       map[string][]byte{s.dataKey(id): bs},
		}
		if _, err := secrets.Create(ctx, sec, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("creating secret %s/%s: %w", s.namespace, s.secret, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secret %s/%s: %w", s.namespace, s.secret, err)
	}
	if sec.Data == nil {
		sec.Data = map[string][]byte{}
	}
	sec.Data[s.dataKey(id)] = bs
	if _, err := secrets.Update(ctx, sec, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating secret %s/%s: %w", s.namespace, s.secret, err)
	}
	return nil
}

// All implements ipn.StateStore. Keys are returned in their secret form.
func (s *kubeStateStore) All() iter.Seq2[ipn.StateKey, []byte] {
	return func(yield func(ipn.StateKey, []byte) bool) {
		s.mu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), kubeTimeout)
		sec, err := s.get(ctx)
		cancel()
		s.mu.Unlock()
		if err != nil {
			return
		}
		prefix := s.name + "."
		for k, v := range sec.Data {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if !yield(ipn.StateKey(strings.TrimPrefix(k, prefix)), v) {
				return
			}
		}
	}
}

var _ ipn.StateStore = (*kubeStateStore)(nil)
