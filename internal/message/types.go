package message

// Reserved payload types the sync cache and rules table recognize by name
// (§6 External interfaces). Every other payload.type is opaque to the core
// and simply forwarded.
const (
	TypeReserveActor  = "x-reserve-actor"
	TypeCreateActor   = "create-actor"
	TypeActorUpdate   = "actor-update"
	TypeCreateAsset   = "create-asset"
	TypeLoadAssets    = "load-assets"
	TypeAssetUpdate   = "asset-update"
	TypeAssetsUnload  = "asset-unload"
	TypeUserLeft      = "user-left"
	TypeSyncComplete  = "sync-complete"
	TypeHandshakeDone = "handshake-complete"
)
