// Package identity talks to the Microsoft identity platform on behalf of a public client.
//
// It wraps the Microsoft Authentication Library public client. The account cache lives
// in the library; WithCache connects it to external storage, which receives the whole
// cache as an opaque blob.
//
// # Flows
//
// AcquireTokenByDeviceCode runs the OAuth2 device authorization grant (RFC 8628):
//
//	res, err := client.AcquireTokenByDeviceCode(ctx, []string{"User.Read"}, func(dc identity.DeviceCode) {
//		fmt.Fprintln(os.Stderr, dc.Message)
//	})
//
// AcquireTokenSilent returns a cached access token for an account, or redeems the
// account's refresh token for a new one:
//
//	accounts, _ := client.Accounts(ctx)
//	res, err := client.AcquireTokenSilent(ctx, accounts[0], scopes)
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or tests):
//
//	client, err := identity.New(clientID, authority, identity.WithTransport(customTransport))
package identity
