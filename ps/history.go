package ps

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6/memfs"
	"github.com/go-git/go-billy/v6/osfs"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/cache"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/filesystem"
	"github.com/go-git/go-git/v6/storage/memory"
	"github.com/nickyhof/ForkDB/core"
)

const (
	mainlineBlob  = "mainline.db"
	promotionBlob = "promotion.json"
)

var ErrRepoNotFound = errors.New("history repository not found")

// History is a git-backed ledger of mainline versions. Every promotion into
// mainline becomes one commit holding the promoted bytes.
type History struct {
	repo *git.Repository
	mu   sync.RWMutex
}

func NewMemoryHistory() (*History, error) {
	wt := memfs.New()
	storer := memory.NewStorage()

	repo, err := git.Init(storer, git.WithWorkTree(wt))
	if err != nil {
		return nil, err
	}

	return &History{repo: repo}, nil
}

func NewFileHistory(baseDir string) (*History, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	wt := osfs.New(baseDir)
	fs, err := wt.Chroot(".git")
	if err != nil {
		return nil, err
	}

	storer := filesystem.NewStorageWithOptions(
		fs,
		cache.NewObjectLRUDefault(),
		filesystem.Options{ExclusiveAccess: true})

	var repo *git.Repository

	_, statErr := os.Stat(fs.Root())
	if statErr != nil {
		repo, err = git.Init(storer, git.WithWorkTree(wt))
	} else {
		repo, err = git.Open(storer, wt)
	}
	if err != nil {
		return nil, err
	}

	return &History{repo: repo}, nil
}

// Empty reports whether no transaction was recorded yet.
func (h *History) Empty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, err := h.repo.Head()
	return err != nil
}

// Record stores data as the new mainline version.
func (h *History) Record(promotion Promotion, data []byte, identity core.Identity) (Transaction, error) {
	if h == nil || h.repo == nil {
		return Transaction{}, ErrRepoNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	manifest, err := json.Marshal(promotion)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to marshal promotion: %w", err)
	}

	dataHash, err := h.createBlob(data)
	if err != nil {
		return Transaction{}, err
	}
	manifestHash, err := h.createBlob(manifest)
	if err != nil {
		return Transaction{}, err
	}

	treeHash, err := h.buildTree([]object.TreeEntry{
		{Name: mainlineBlob, Mode: filemode.Regular, Hash: dataHash},
		{Name: promotionBlob, Mode: filemode.Regular, Hash: manifestHash},
	})
	if err != nil {
		return Transaction{}, err
	}

	txn, err := h.createCommit(treeHash, identity, promotion.message())
	if err != nil {
		return Transaction{}, err
	}
	txn.Promotion = promotion
	return txn, nil
}

// LatestTransaction returns the current mainline version, or the zero
// Transaction when nothing was recorded.
func (h *History) LatestTransaction() Transaction {
	h.mu.RLock()
	defer h.mu.RUnlock()

	headRef, err := h.repo.Head()
	if err != nil || headRef == nil {
		return Transaction{}
	}

	commit, err := h.repo.CommitObject(headRef.Hash())
	if err != nil {
		return Transaction{}
	}
	return h.toTransaction(commit)
}

// Transactions returns every recorded transaction, newest first.
func (h *History) Transactions() ([]Transaction, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	headRef, err := h.repo.Head()
	if err != nil {
		return nil, nil
	}

	cIter, err := h.repo.Log(&git.LogOptions{From: headRef.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var transactions []Transaction
	err = cIter.ForEach(func(c *object.Commit) error {
		transactions = append(transactions, h.toTransaction(c))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].When.After(transactions[j].When)
	})
	return transactions, nil
}

// TransactionsSince returns the transactions recorded at or after asof.
func (h *History) TransactionsSince(asof time.Time) ([]Transaction, error) {
	all, err := h.Transactions()
	if err != nil {
		return nil, err
	}

	var transactions []Transaction
	for _, txn := range all {
		if !txn.When.Before(asof) {
			transactions = append(transactions, txn)
		}
	}
	return transactions, nil
}

// Snapshot tags a transaction (HEAD when txnID is empty) with a name that
// Read accepts in place of the hash.
func (h *History) Snapshot(name string, txnID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var hash plumbing.Hash
	if txnID != "" {
		hash = plumbing.NewHash(txnID)
	} else {
		headRef, err := h.repo.Head()
		if err != nil {
			return fmt.Errorf("failed to get HEAD: %w", err)
		}
		hash = headRef.Hash()
	}

	_, err := h.repo.CreateTag(name, hash, nil)
	return err
}

// Read returns the mainline bytes as of a transaction id or snapshot name.
func (h *History) Read(ref string) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	hash := plumbing.NewHash(ref)
	if tag, err := h.repo.Tag(ref); err == nil {
		hash = tag.Hash()
	}

	commit, err := h.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s not found: %w", ref, err)
	}

	return readTreeFile(commit, mainlineBlob)
}

func (h *History) toTransaction(commit *object.Commit) Transaction {
	author := ""
	if commit.Author.Name != "" || commit.Author.Email != "" {
		author = fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email)
	}

	txn := Transaction{
		Id:     commit.Hash.String(),
		When:   commit.Committer.When,
		Author: author,
	}

	if manifest, err := readTreeFile(commit, promotionBlob); err == nil {
		_ = json.Unmarshal(manifest, &txn.Promotion)
	}
	return txn
}

func readTreeFile(commit *object.Commit, name string) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	file, err := tree.File(name)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}

	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// createBlob creates a blob object directly in the object store without filesystem I/O
func (h *History) createBlob(data []byte) (plumbing.Hash, error) {
	obj := h.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to create blob writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob data: %w", err)
	}
	writer.Close()

	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob: %w", err)
	}

	return hash, nil
}

func (h *History) buildTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	// Git requires entries sorted by name
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	tree := &object.Tree{Entries: entries}

	obj := h.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}

	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}

	return hash, nil
}

// createCommit creates a commit object directly without using the worktree
// and advances the branch HEAD points at.
func (h *History) createCommit(treeHash plumbing.Hash, identity core.Identity, message string) (Transaction, error) {
	branchName := plumbing.Master
	if headRef, err := h.repo.Storer.Reference(plumbing.HEAD); err == nil && headRef.Type() == plumbing.SymbolicReference {
		branchName = headRef.Target()
	}

	var parentHashes []plumbing.Hash
	if branchRef, err := h.repo.Reference(branchName, true); err == nil {
		parentHashes = []plumbing.Hash{branchRef.Hash()}
	}

	sig := object.Signature{
		Name:  identity.Name,
		Email: identity.Email,
		When:  time.Now(),
	}

	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parentHashes,
	}

	obj := h.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return Transaction{}, fmt.Errorf("failed to encode commit: %w", err)
	}

	commitHash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to store commit: %w", err)
	}

	ref := plumbing.NewHashReference(branchName, commitHash)
	if err := h.repo.Storer.SetReference(ref); err != nil {
		return Transaction{}, fmt.Errorf("failed to update HEAD: %w", err)
	}

	return Transaction{
		Id:     commitHash.String(),
		When:   sig.When,
		Author: identity.String(),
	}, nil
}
