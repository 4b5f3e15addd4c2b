package synccache

import (
	"sort"
	"sync"

	"github.com/ashureev/mre-session-mux/internal/message"
)

// SyncActor is the cached live state of one actor (§3). Initialization's
// payload.actor field is the merged live state; its parentId defines the
// actor tree used for replay ordering.
type SyncActor struct {
	ActorID              string
	Initialization       *message.Message
	CreatedAnimations    []*message.Message
	ActiveMediaInstances []*message.Message
	ActiveInterpolations []*message.Message
	Behavior             string
	GrabbedBy            string
	ExclusiveToUser      string
	reserved             bool // true while this is an x-reserve-actor placeholder
}

// SyncAsset is the cached record of one created asset (§3).
type SyncAsset struct {
	ID               string
	Duration         *float64
	CreatorMessageID string
	Update           *message.Message // buffered update, if any (§4.5 Asset update)
}

// AssetCreator is the LoadAssets or CreateAsset message that spawned one or
// more assets, keyed by its message id (§3).
type AssetCreator struct {
	MessageID   string
	Message     *message.Message
	ContainerID string
}

// UserRecord is the cached join state of one connected user, replayed to
// newly joining clients before asset creators (§4.2 Sync phase ordering).
type UserRecord struct {
	UserID string
	Join   *message.Message
}

// Cache is the session's in-memory, mergeable world-state cache (§4.5). All
// mutation happens through its methods, which hold an internal lock; the
// caller (always a session-side rule hook or phase protocol, per §5 Shared
// resources) need not synchronize externally.
type Cache struct {
	mu sync.RWMutex

	actors        map[string]*SyncActor
	actorOrder    []string
	assets        map[string]*SyncAsset
	assetOrder    []string
	creators      map[string]*AssetCreator
	creatorOrder  []string
	users         map[string]*UserRecord

	// pendingAssetUpdates buffers asset-update messages that arrive for an
	// asset id before its creation reply has resolved (§4.5 scenario 5).
	pendingAssetUpdates map[string]*message.Message
}

// New constructs an empty sync cache.
func New() *Cache {
	return &Cache{
		actors:              make(map[string]*SyncActor),
		assets:              make(map[string]*SyncAsset),
		creators:            make(map[string]*AssetCreator),
		users:               make(map[string]*UserRecord),
		pendingAssetUpdates: make(map[string]*message.Message),
	}
}

func actorPayload(msg *message.Message) map[string]interface{} {
	actor, _ := msg.Payload["actor"].(map[string]interface{})
	return actor
}

// InitializeActor applies an initialize-actor message (payload type
// create-actor or x-reserve-actor) to the cache (§4.5 Actor initialization).
func (c *Cache) InitializeActor(msg *message.Message) {
	actor := actorPayload(msg)
	actorID, _ := actor["id"].(string)
	if actorID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.actors[actorID]
	if ok && existing.reserved {
		// Overlay the message's actor state with the cached reserved
		// actor state, and write the merged message back as the
		// initialization — this preserves bookkeeping (e.g.
		// exclusiveToUser) that arrived before the real init.
		reservedActor := actorPayload(existing.Initialization)
		merged := DeepMerge(actor, reservedActor)

		newMsg := msg.Clone()
		newPayload := message.ClonePayload(msg.Payload)
		newPayload["actor"] = merged
		newMsg.Payload = newPayload

		c.actors[actorID] = &SyncActor{
			ActorID:         actorID,
			Initialization:  newMsg,
			ExclusiveToUser: existing.ExclusiveToUser,
		}
		return
	}

	exclusive, _ := actor["exclusiveToUser"].(string)
	if parentID, ok := actor["parentId"].(string); ok && parentID != "" {
		if parent, pok := c.actors[parentID]; pok && parent.ExclusiveToUser != "" {
			exclusive = parent.ExclusiveToUser
		}
	}

	c.actors[actorID] = &SyncActor{
		ActorID:         actorID,
		Initialization:  msg,
		ExclusiveToUser: exclusive,
		reserved:        msg.Payload.Type() == message.TypeReserveActor,
	}
	c.actorOrder = append(c.actorOrder, actorID)
}

// UpdateActor deep-merges an actor-update message's actor payload into the
// cache and applies the transform-space exclusion rule (§4.5 Actor update,
// invariant 6).
func (c *Cache) UpdateActor(msg *message.Message) {
	update := actorPayload(msg)
	actorID, _ := update["id"].(string)
	if actorID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.actors[actorID]
	if !ok {
		return
	}

	curPayload := message.ClonePayload(existing.Initialization.Payload)
	curActor := actorPayload(existing.Initialization)
	merged := DeepMerge(curActor, update)

	if hasPath(update, "transform", "app") {
		deletePath(merged, "transform", "local", "position")
		deletePath(merged, "transform", "local", "rotation")
	} else if hasPath(update, "transform", "local") {
		deletePath(merged, "transform", "app")
	}

	curPayload["actor"] = merged
	newInit := existing.Initialization.Clone()
	newInit.Payload = curPayload
	existing.Initialization = newInit
}

// RecordAssetCreator records a create-asset or load-assets message as an
// asset creator, keyed by its message id (§4.5 Asset creation request).
func (c *Cache) RecordAssetCreator(msg *message.Message) {
	containerID, _ := msg.Payload["containerId"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.creators[msg.ID] = &AssetCreator{MessageID: msg.ID, Message: msg, ContainerID: containerID}
	c.creatorOrder = append(c.creatorOrder, msg.ID)
}

func assetEntries(payload message.Payload) []map[string]interface{} {
	if list, ok := payload["assets"].([]interface{}); ok {
		out := make([]map[string]interface{}, 0, len(list))
		for _, v := range list {
			if m, ok := v.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	if id, ok := payload["id"].(string); ok {
		entry := map[string]interface{}{"id": id}
		if d, ok := payload["duration"]; ok {
			entry["duration"] = d
		}
		return []map[string]interface{}{entry}
	}
	return nil
}

// ResolveAssetCreation applies the app's reply to a create-asset/
// load-assets request: it creates one SyncAsset per returned id, and
// collapses any pre-creation buffered update into the creator's definition
// when the creator is a create-asset (§4.5 Asset creation reply).
func (c *Cache) ResolveAssetCreation(reply *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	creatorID := reply.ReplyToID
	creator, ok := c.creators[creatorID]
	if !ok {
		return
	}

	for _, entry := range assetEntries(reply.Payload) {
		id, _ := entry["id"].(string)
		if id == "" {
			continue
		}
		asset := &SyncAsset{ID: id, CreatorMessageID: creatorID}
		if d, ok := entry["duration"].(float64); ok {
			asset.Duration = &d
		}

		if buffered, ok := c.pendingAssetUpdates[id]; ok {
			if creator.Message.Payload.Type() == message.TypeCreateAsset {
				def, _ := creator.Message.Payload["definition"].(map[string]interface{})
				updAsset, _ := buffered.Payload["asset"].(map[string]interface{})
				merged := DeepMerge(def, updAsset)

				newCreatorMsg := creator.Message.Clone()
				newPayload := message.ClonePayload(creator.Message.Payload)
				newPayload["definition"] = merged
				newCreatorMsg.Payload = newPayload
				creator.Message = newCreatorMsg
			}
			delete(c.pendingAssetUpdates, id)
		}

		if _, exists := c.assets[id]; !exists {
			c.assetOrder = append(c.assetOrder, id)
		}
		c.assets[id] = asset
	}
}

// UpdateAsset applies an asset-update message: merged into the creator's
// definition when the asset's creator is a create-asset message, else
// buffered on the asset record — or, if the asset itself hasn't been
// created yet, buffered until its creation reply arrives (§4.5 Asset update).
func (c *Cache) UpdateAsset(msg *message.Message) {
	assetID, _ := msg.Payload["id"].(string)
	if assetID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	asset, ok := c.assets[assetID]
	if !ok {
		c.pendingAssetUpdates[assetID] = mergeBufferedAssetUpdate(c.pendingAssetUpdates[assetID], msg)
		return
	}

	creator := c.creators[asset.CreatorMessageID]
	if creator != nil && creator.Message.Payload.Type() == message.TypeCreateAsset {
		def, _ := creator.Message.Payload["definition"].(map[string]interface{})
		updAsset, _ := msg.Payload["asset"].(map[string]interface{})
		merged := DeepMerge(def, updAsset)

		newCreatorMsg := creator.Message.Clone()
		newPayload := message.ClonePayload(creator.Message.Payload)
		newPayload["definition"] = merged
		newCreatorMsg.Payload = newPayload
		creator.Message = newCreatorMsg
		return
	}

	asset.Update = mergeBufferedAssetUpdate(asset.Update, msg)
}

func mergeBufferedAssetUpdate(existing, incoming *message.Message) *message.Message {
	if existing == nil {
		return incoming
	}
	existingAsset, _ := existing.Payload["asset"].(map[string]interface{})
	incomingAsset, _ := incoming.Payload["asset"].(map[string]interface{})

	merged := existing.Clone()
	payload := message.ClonePayload(existing.Payload)
	payload["asset"] = DeepMerge(existingAsset, incomingAsset)
	merged.Payload = payload
	return merged
}

// UnloadAssets drops every creator whose containerId matches containerID,
// and every asset whose creatorMessageId pointed at a dropped creator
// (§4.5 Asset unload).
func (c *Cache) UnloadAssets(containerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]bool)
	for id, creator := range c.creators {
		if creator.ContainerID == containerID {
			dropped[id] = true
			delete(c.creators, id)
		}
	}
	if len(dropped) == 0 {
		return
	}
	for id, asset := range c.assets {
		if dropped[asset.CreatorMessageID] {
			delete(c.assets, id)
		}
	}
}

// RegisterUser records a joined user for replay to future clients.
func (c *Cache) RegisterUser(userID string, join *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[userID] = &UserRecord{UserID: userID, Join: join}
}

// RemoveUser drops a disconnected user from the cache.
func (c *Cache) RemoveUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
}

// Users returns every cached user, ordered deterministically by user id.
func (c *Cache) Users() []*UserRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*UserRecord, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// HasCreator reports whether messageID is a live asset creator — used by the
// session router to recognize an asset-creation reply before it has a
// payload.type of its own to key a rule lookup on.
func (c *Cache) HasCreator(messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.creators[messageID]
	return ok
}

// AssetCreators returns every live asset creator in insertion order
// (§4.5 Replay ordering: "creators before assets").
func (c *Cache) AssetCreators() []*AssetCreator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*AssetCreator, 0, len(c.creatorOrder))
	for _, id := range c.creatorOrder {
		if creator, ok := c.creators[id]; ok {
			out = append(out, creator)
		}
	}
	return out
}

// Assets returns every live asset in insertion order (§4.5: "assets before
// actors").
func (c *Cache) Assets() []*SyncAsset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SyncAsset, 0, len(c.assetOrder))
	for _, id := range c.assetOrder {
		if asset, ok := c.assets[id]; ok {
			out = append(out, asset)
		}
	}
	return out
}

// Actors returns every live actor in parent-first topological order: roots
// first in insertion order, then breadth-first by parentId, each parent's
// children grouped together in insertion order (§4.5 Replay ordering).
func (c *Cache) Actors() []*SyncActor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children := make(map[string][]string)
	var roots []string
	for _, id := range c.actorOrder {
		actor, ok := c.actors[id]
		if !ok {
			continue
		}
		parentID, _ := actorPayload(actor.Initialization)["parentId"].(string)
		if parentID == "" || c.actors[parentID] == nil {
			roots = append(roots, id)
		} else {
			children[parentID] = append(children[parentID], id)
		}
	}

	out := make([]*SyncActor, 0, len(c.actorOrder))
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		actor, ok := c.actors[id]
		if !ok {
			continue
		}
		out = append(out, actor)
		queue = append(queue, children[id]...)
	}
	return out
}

// Actor returns the cached actor for id, if any.
func (c *Cache) Actor(id string) (*SyncActor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actors[id]
	return a, ok
}

// Asset returns the cached asset for id, if any.
func (c *Cache) Asset(id string) (*SyncAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets[id]
	return a, ok
}
