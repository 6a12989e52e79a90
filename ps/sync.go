package ps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/storer"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	"github.com/go-git/go-git/v6/plumbing/transport/ssh"
)

const DefaultRemote = "origin"

var ErrHistoryDiverged = errors.New("history diverged from remote")

// AuthType defines the type of authentication
type AuthType string

const (
	AuthTypeNone  AuthType = "none"
	AuthTypeToken AuthType = "token"
	AuthTypeSSH   AuthType = "ssh"
	AuthTypeBasic AuthType = "basic"
)

// RemoteAuth holds credentials for pushing and pulling history.
type RemoteAuth struct {
	Type       AuthType
	Token      string
	KeyPath    string
	Passphrase string
	Username   string
	Password   string
}

// Remote is a named location the history ledger is shared with.
type Remote struct {
	Name string
	URLs []string
}

func (auth *RemoteAuth) authMethod() (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}

	switch auth.Type {
	case "", AuthTypeNone:
		return nil, nil
	case AuthTypeToken:
		return &http.BasicAuth{Username: "git", Password: auth.Token}, nil
	case AuthTypeSSH:
		keyPath := auth.KeyPath
		if keyPath == "" {
			home, _ := os.UserHomeDir()
			keyPath = filepath.Join(home, ".ssh", "id_rsa")
		}
		return ssh.NewPublicKeysFromFile("git", keyPath, auth.Passphrase)
	case AuthTypeBasic:
		return &http.BasicAuth{Username: auth.Username, Password: auth.Password}, nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", auth.Type)
	}
}

func (h *History) AddRemote(name, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("failed to add remote '%s': %w", name, err)
	}
	return nil
}

func (h *History) Remotes() ([]Remote, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	remotes, err := h.repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}

	result := make([]Remote, len(remotes))
	for i, r := range remotes {
		cfg := r.Config()
		result[i] = Remote{Name: cfg.Name, URLs: cfg.URLs}
	}
	return result, nil
}

func (h *History) RemoveRemote(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.repo.DeleteRemote(name); err != nil {
		return fmt.Errorf("failed to remove remote '%s': %w", name, err)
	}
	return nil
}

// Push publishes the mainline ledger to a remote.
func (h *History) Push(remoteName string, auth *RemoteAuth) error {
	if remoteName == "" {
		remoteName = DefaultRemote
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	branch, err := h.branch()
	if err != nil {
		return err
	}

	method, err := auth.authMethod()
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("%s:%s", branch, branch))
	err = h.repo.Push(&git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       method,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push to '%s': %w", remoteName, err)
	}
	return nil
}

// Pull fast-forwards the ledger to the remote's mainline and reports whether
// the local head moved. Local transactions the remote does not have are only
// discarded with force.
func (h *History) Pull(remoteName string, auth *RemoteAuth, force bool) (bool, error) {
	if remoteName == "" {
		remoteName = DefaultRemote
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	branch, err := h.branch()
	if err != nil {
		return false, err
	}

	method, err := auth.authMethod()
	if err != nil {
		return false, fmt.Errorf("failed to configure auth: %w", err)
	}

	tracking := plumbing.NewRemoteReferenceName(remoteName, branch.Short())
	err = h.repo.Fetch(&git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+%s:%s", branch, tracking))},
		Auth:       method,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, fmt.Errorf("failed to fetch from '%s': %w", remoteName, err)
	}

	remoteRef, err := h.repo.Reference(tracking, true)
	if err != nil {
		return false, fmt.Errorf("remote '%s' has no %s: %w", remoteName, branch.Short(), err)
	}

	localRef, err := h.repo.Reference(branch, true)
	if err == nil && !force {
		if localRef.Hash() == remoteRef.Hash() {
			return false, nil
		}
		contains, err := h.reachable(remoteRef.Hash(), localRef.Hash())
		if err != nil {
			return false, err
		}
		if !contains {
			return false, ErrHistoryDiverged
		}
	}

	if err := h.repo.Storer.SetReference(plumbing.NewHashReference(branch, remoteRef.Hash())); err != nil {
		return false, fmt.Errorf("failed to update %s: %w", branch.Short(), err)
	}
	return localRef == nil || localRef.Hash() != remoteRef.Hash(), nil
}

func (h *History) branch() (plumbing.ReferenceName, error) {
	headRef, err := h.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	if headRef.Type() == plumbing.SymbolicReference {
		return headRef.Target(), nil
	}
	return plumbing.Master, nil
}

// reachable reports whether target is from or one of its ancestors.
func (h *History) reachable(from, target plumbing.Hash) (bool, error) {
	cIter, err := h.repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return false, fmt.Errorf("failed to read history: %w", err)
	}
	defer cIter.Close()

	found := false
	err = cIter.ForEach(func(c *object.Commit) error {
		if c.Hash == target {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
