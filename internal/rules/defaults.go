package rules

import (
	"github.com/ashureev/mre-session-mux/internal/message"
)

// cacheRule hands an app-originated message to one cache mutator before
// forwarding it on unchanged (§4.4: "beforeReceiveFromApp for actor/asset
// payloads hands off to the cache-mutators in §4.5 before forwarding").
type cacheRule struct {
	BaseRule
	mutate func(cache CacheMutator, msg *message.Message)
}

func (r cacheRule) BeforeReceiveFromApp(ctx SessionContext, msg *message.Message) (*message.Message, bool) {
	if ctx.Cache != nil {
		r.mutate(ctx.Cache, msg)
	}
	return msg, true
}

// unloadRule is identical in shape to cacheRule but reads containerId
// rather than the whole message (§4.5 Asset unload).
type unloadRule struct{ BaseRule }

func (unloadRule) BeforeReceiveFromApp(ctx SessionContext, msg *message.Message) (*message.Message, bool) {
	if ctx.Cache == nil {
		return msg, true
	}
	containerID, _ := msg.Payload["containerId"].(string)
	if containerID != "" {
		ctx.Cache.UnloadAssets(containerID)
	}
	return msg, true
}

// RegisterDefaultRules installs the reserved-payload-type rules (§6) that
// drive the sync cache's merge engine. Other payload types keep using
// MissingRule (plain forwarding) unless the caller registers more.
func RegisterDefaultRules(table *Table) {
	table.Register(message.TypeReserveActor, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.InitializeActor(m) }})
	table.Register(message.TypeCreateActor, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.InitializeActor(m) }})
	table.Register(message.TypeActorUpdate, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.UpdateActor(m) }})
	table.Register(message.TypeCreateAsset, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.RecordAssetCreator(m) }})
	table.Register(message.TypeLoadAssets, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.RecordAssetCreator(m) }})
	table.Register(message.TypeAssetUpdate, cacheRule{mutate: func(c CacheMutator, m *message.Message) { c.UpdateAsset(m) }})
	table.Register(message.TypeAssetsUnload, unloadRule{})
}
