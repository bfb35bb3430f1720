package server

// Subscription describes the method triple a subscription lifecycle needs:
// the method that opens it, the method that closes it, and the notification
// method the node pushes results under.
type Subscription struct {
	SubscribeMethod   string
	UnsubscribeMethod string
	ResponseMethod    string
}

// subscriptionMethods maps every supported subscribe method to its lifecycle.
// Substrate entries follow the pubsub naming convention; EVM chains use the
// single eth_subscribe entry point.
var subscriptionMethods = map[string]Subscription{
	"chain_subscribeNewHeads": {
		SubscribeMethod:   "chain_subscribeNewHeads",
		UnsubscribeMethod: "chain_unsubscribeNewHeads",
		ResponseMethod:    "chain_newHead",
	},
	"chain_subscribeAllHeads": {
		SubscribeMethod:   "chain_subscribeAllHeads",
		UnsubscribeMethod: "chain_unsubscribeAllHeads",
		ResponseMethod:    "chain_allHead",
	},
	"chain_subscribeFinalizedHeads": {
		SubscribeMethod:   "chain_subscribeFinalizedHeads",
		UnsubscribeMethod: "chain_unsubscribeFinalizedHeads",
		ResponseMethod:    "chain_finalizedHead",
	},
	"state_subscribeStorage": {
		SubscribeMethod:   "state_subscribeStorage",
		UnsubscribeMethod: "state_unsubscribeStorage",
		ResponseMethod:    "state_storage",
	},
	"state_subscribeRuntimeVersion": {
		SubscribeMethod:   "state_subscribeRuntimeVersion",
		UnsubscribeMethod: "state_unsubscribeRuntimeVersion",
		ResponseMethod:    "state_runtimeVersion",
	},
	"eth_subscribe": {
		SubscribeMethod:   "eth_subscribe",
		UnsubscribeMethod: "eth_unsubscribe",
		ResponseMethod:    "eth_subscription",
	},
}

// unsubscribeMethods indexes the same registry by the closing method.
var unsubscribeMethods = func() map[string]Subscription {
	m := make(map[string]Subscription, len(subscriptionMethods))
	for _, sub := range subscriptionMethods {
		m[sub.UnsubscribeMethod] = sub
	}
	return m
}()

// cacheableMethods are immutable per connection and safe to answer from the
// transport's response cache.
var cacheableMethods = map[string]bool{
	"system_chain":       true,
	"system_name":        true,
	"system_version":     true,
	"system_properties":  true,
	"state_getMetadata":  true,
	"eth_chainId":        true,
	"net_version":        true,
	"web3_clientVersion": true,
}

// LookupSubscription resolves a subscribe method to its lifecycle triple.
func LookupSubscription(method string) (Subscription, bool) {
	sub, ok := subscriptionMethods[method]
	return sub, ok
}

// LookupUnsubscribe resolves an unsubscribe method to its lifecycle triple.
func LookupUnsubscribe(method string) (Subscription, bool) {
	sub, ok := unsubscribeMethods[method]
	return sub, ok
}

// IsCacheable reports whether a method's response may be served from cache.
func IsCacheable(method string) bool {
	return cacheableMethods[method]
}
