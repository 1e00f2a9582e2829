package rooms

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncroom-dev/syncroom/backend/internal/crdt"
)

const (
	nodesStructName = "fs:nodes"

	// RootNodeID is the identifier of the permanent root folder node.
	RootNodeID = "root"
	// DefaultFileID is the file identifier seeded into every fresh room.
	DefaultFileID = "main"

	defaultFileName = "main.js"
)

// NodeType distinguishes files from folders in the shared tree.
type NodeType string

const (
	NodeTypeFile   NodeType = "file"
	NodeTypeFolder NodeType = "folder"
)

var (
	ErrNodeNotFound       = errors.New("rooms: node not found")
	ErrParentNotFound     = errors.New("rooms: parent node not found")
	ErrParentNotFolder    = errors.New("rooms: parent node is not a folder")
	ErrRootImmutable      = errors.New("rooms: root node cannot be moved or deleted")
	ErrMoveIntoDescendant = errors.New("rooms: cannot move a folder under its own descendant")
	ErrNameRequired       = errors.New("rooms: node name is required")
)

// Node is one entry of the shared file tree. Files carry a FileID keying the
// document's named text structure holding their content.
type Node struct {
	ID               string   `json:"id"`
	Type             NodeType `json:"type"`
	Name             string   `json:"name"`
	ParentID         string   `json:"parentId,omitempty"`
	FileID           string   `json:"fileId,omitempty"`
	CreatedAtSeconds int64    `json:"createdAt"`
}

// Tree layers file-system operations over a room document. Handles are cheap;
// construct one per use. Callers are expected to hold the room's exclusive
// section while mutating.
type Tree struct {
	doc   *crdt.Doc
	clock func() time.Time
	newID func() string
}

// TreeOption customizes a Tree, primarily for tests.
type TreeOption func(*Tree)

// WithClock overrides the tree's time source.
func WithClock(clock func() time.Time) TreeOption {
	return func(t *Tree) { t.clock = clock }
}

// WithIDProvider overrides node/file identifier generation.
func WithIDProvider(newID func() string) TreeOption {
	return func(t *Tree) { t.newID = newID }
}

// NewTree wraps doc with file-tree operations.
func NewTree(doc *crdt.Doc, opts ...TreeOption) *Tree {
	tree := &Tree{
		doc:   doc,
		clock: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(tree)
	}
	return tree
}

// EnsureDefaults seeds the permanent root folder and the default file into a
// fresh document. Rerunning on a populated document changes nothing.
func (t *Tree) EnsureDefaults() error {
	nodes := t.doc.Map(nodesStructName)
	var root Node
	hasRoot, err := nodes.Get(RootNodeID, &root)
	if err != nil {
		return err
	}
	if hasRoot {
		return nil
	}

	now := t.clock().UTC().Unix()
	var seedErr error
	t.doc.Transact(OriginFs, func() {
		seedErr = nodes.Set(RootNodeID, Node{
			ID:               RootNodeID,
			Type:             NodeTypeFolder,
			Name:             RootNodeID,
			CreatedAtSeconds: now,
		})
		if seedErr != nil {
			return
		}
		fileNodeID := t.newID()
		seedErr = nodes.Set(fileNodeID, Node{
			ID:               fileNodeID,
			Type:             NodeTypeFile,
			Name:             defaultFileName,
			ParentID:         RootNodeID,
			FileID:           DefaultFileID,
			CreatedAtSeconds: now,
		})
		t.doc.Text(DefaultFileID).SetString("")
	})
	return seedErr
}

// CreateFile adds a file node under parentID and seeds its text structure.
func (t *Tree) CreateFile(parentID, name, initialContent string) (Node, error) {
	node, err := t.createNode(parentID, name, NodeTypeFile)
	if err != nil {
		return Node{}, err
	}
	t.doc.Transact(OriginFs, func() {
		err = t.doc.Map(nodesStructName).Set(node.ID, node)
		t.doc.Text(node.FileID).SetString(initialContent)
	})
	return node, err
}

// CreateFolder adds a folder node under parentID.
func (t *Tree) CreateFolder(parentID, name string) (Node, error) {
	node, err := t.createNode(parentID, name, NodeTypeFolder)
	if err != nil {
		return Node{}, err
	}
	t.doc.Transact(OriginFs, func() {
		err = t.doc.Map(nodesStructName).Set(node.ID, node)
	})
	return node, err
}

// Rename changes a node's display name.
func (t *Tree) Rename(nodeID, name string) error {
	if name == "" {
		return ErrNameRequired
	}
	nodes := t.doc.Map(nodesStructName)
	var node Node
	found, err := nodes.Get(nodeID, &node)
	if err != nil {
		return err
	}
	if !found {
		return ErrNodeNotFound
	}
	node.Name = name
	t.doc.Transact(OriginFs, func() {
		err = nodes.Set(nodeID, node)
	})
	return err
}

// Move reparents a node. The root is immovable and a folder can never end up
// under its own descendant.
func (t *Tree) Move(nodeID, newParentID string) error {
	if nodeID == RootNodeID {
		return ErrRootImmutable
	}
	nodes := t.doc.Map(nodesStructName)

	var node Node
	found, err := nodes.Get(nodeID, &node)
	if err != nil {
		return err
	}
	if !found {
		return ErrNodeNotFound
	}

	parent, err := t.requireFolder(newParentID)
	if err != nil {
		return err
	}
	if parent.ID == node.ParentID {
		return nil
	}

	// Walk up from the target parent; hitting nodeID means a cycle.
	cursor := parent
	for {
		if cursor.ID == nodeID {
			return ErrMoveIntoDescendant
		}
		if cursor.ID == RootNodeID || cursor.ParentID == "" {
			break
		}
		var next Node
		ok, walkErr := nodes.Get(cursor.ParentID, &next)
		if walkErr != nil {
			return walkErr
		}
		if !ok {
			break
		}
		cursor = next
	}

	node.ParentID = newParentID
	t.doc.Transact(OriginFs, func() {
		err = nodes.Set(nodeID, node)
	})
	return err
}

// Delete removes a node and, for folders, its whole subtree. File texts are
// tombstoned alongside their nodes.
func (t *Tree) Delete(nodeID string) error {
	if nodeID == RootNodeID {
		return ErrRootImmutable
	}
	nodes := t.doc.Map(nodesStructName)
	var node Node
	found, err := nodes.Get(nodeID, &node)
	if err != nil {
		return err
	}
	if !found {
		return ErrNodeNotFound
	}

	all, err := t.Nodes()
	if err != nil {
		return err
	}
	childrenOf := make(map[string][]Node, len(all))
	for _, candidate := range all {
		childrenOf[candidate.ParentID] = append(childrenOf[candidate.ParentID], candidate)
	}

	doomed := []Node{node}
	for i := 0; i < len(doomed); i++ {
		doomed = append(doomed, childrenOf[doomed[i].ID]...)
	}

	t.doc.Transact(OriginFs, func() {
		for _, victim := range doomed {
			nodes.Delete(victim.ID)
			if victim.Type == NodeTypeFile && victim.FileID != "" {
				t.doc.Text(victim.FileID).Clear()
			}
		}
	})
	return nil
}

// Nodes returns every live node in the tree.
func (t *Tree) Nodes() ([]Node, error) {
	nodes := t.doc.Map(nodesStructName)
	keys := nodes.Keys()
	result := make([]Node, 0, len(keys))
	for _, key := range keys {
		var node Node
		ok, err := nodes.Get(key, &node)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if node.ID == "" {
			node.ID = key
		}
		result = append(result, node)
	}
	return result, nil
}

// FileTexts returns the plain text of every live file keyed by fileID.
func (t *Tree) FileTexts() (map[string]string, error) {
	all, err := t.Nodes()
	if err != nil {
		return nil, err
	}
	texts := make(map[string]string)
	for _, node := range all {
		if node.Type == NodeTypeFile && node.FileID != "" {
			texts[node.FileID] = t.doc.Text(node.FileID).String()
		}
	}
	return texts, nil
}

// ReplaceFileText overwrites one file's content wholesale, creating the text
// structure if a restore targets a file whose text was never written.
func (t *Tree) ReplaceFileText(fileID, content string) error {
	if fileID == "" {
		return fmt.Errorf("rooms: file identifier is required")
	}
	t.doc.Transact(OriginRestore, func() {
		t.doc.Text(fileID).SetString(content)
	})
	return nil
}

func (t *Tree) createNode(parentID, name string, nodeType NodeType) (Node, error) {
	if name == "" {
		return Node{}, ErrNameRequired
	}
	if parentID == "" {
		parentID = RootNodeID
	}
	if _, err := t.requireFolder(parentID); err != nil {
		return Node{}, err
	}
	node := Node{
		ID:               t.newID(),
		Type:             nodeType,
		Name:             name,
		ParentID:         parentID,
		CreatedAtSeconds: t.clock().UTC().Unix(),
	}
	if nodeType == NodeTypeFile {
		node.FileID = t.newID()
	}
	return node, nil
}

func (t *Tree) requireFolder(nodeID string) (Node, error) {
	var node Node
	found, err := t.doc.Map(nodesStructName).Get(nodeID, &node)
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{}, ErrParentNotFound
	}
	if node.Type != NodeTypeFolder {
		return Node{}, ErrParentNotFolder
	}
	if node.ID == "" {
		node.ID = nodeID
	}
	return node, nil
}
