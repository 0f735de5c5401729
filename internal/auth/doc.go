// Package auth manages the lifecycle of the access token handed to callers.
//
// A Manager moves through these states:
//
//	Uninitialized → CacheLoaded → {Valid, Expired, SilentRefreshFailed} → InteractiveFlowPending → Valid
//
// and reaches LoggedOut from any state.
//
// Typical use:
//
//	m, _ := auth.NewManager(cfg, identityClient, persister)
//	_ = m.LoadTokenCache(ctx)
//	token, err := m.GetToken(ctx, false)
//	if errors.Is(err, auth.ErrNoValidToken) {
//		token, err = m.AcquireTokenByDeviceCode(ctx, func(dc auth.DeviceCode) {
//			fmt.Fprintln(os.Stderr, dc.Message)
//		})
//	}
//
// GetToken never starts the interactive flow on its own.
//
// The manager assumes one process per cache. Two processes sharing the same keyring
// entry or fallback file can overwrite each other's cache (last writer wins).
package auth
