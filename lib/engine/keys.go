package engine

import "strings"

// keyScheme builds the Redis key schema shared by every process on the
// same bus, namespaced so independent deployments can share a Redis
// instance. The layout is fixed: changing it breaks compatibility with
// peers already running against the same keys.
type keyScheme struct {
	namespace string
}

func newKeyScheme(namespace string) keyScheme {
	return keyScheme{namespace: namespace}
}

func (k keyScheme) prefix() string { return k.namespace + ":" }

func (k keyScheme) client(cid string) string {
	return k.prefix() + "clients:" + cid
}

func (k keyScheme) clientsIndex() string {
	return k.prefix() + "clients:index"
}

func (k keyScheme) subscriptions(cid string) string {
	return k.prefix() + "subscriptions:" + cid
}

func (k keyScheme) channel(ch string) string {
	return k.prefix() + "channels:" + ch
}

func (k keyScheme) subscriptionMeta(cid, ch string) string {
	return k.prefix() + "subscription:" + cid + ":" + ch
}

func (k keyScheme) patterns() string {
	return k.prefix() + "patterns"
}

func (k keyScheme) messages(cid string) string {
	return k.prefix() + "messages:" + cid
}

func (k keyScheme) pubsubChannel(ch string) string {
	return k.prefix() + "publish:" + ch
}

func (k keyScheme) pubsubPattern() string {
	return k.prefix() + "publish:*"
}

// channelFromPubSub strips the namespace+"publish:" prefix from a raw
// PUB/SUB channel name to recover the logical channel.
func (k keyScheme) channelFromPubSub(raw string) (string, bool) {
	prefix := k.prefix() + "publish:"
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	return raw[len(prefix):], true
}

// clientsScanPattern is the SCAN match pattern used by periodic index
// repair to rediscover client hashes directly.
func (k keyScheme) clientsScanPattern() string {
	return k.prefix() + "clients:*"
}

func (k keyScheme) subscriptionsScanPattern() string {
	return k.prefix() + "subscriptions:*"
}

func (k keyScheme) messagesScanPattern() string {
	return k.prefix() + "messages:*"
}

func (k keyScheme) channelsScanPattern() string {
	return k.prefix() + "channels:*"
}

// cidFromClientKey extracts the client id from a "{ns}:clients:{cid}" key,
// rejecting the reserved "index" suffix so the index key itself is never
// mistaken for a client hash during SCAN-based repair.
func (k keyScheme) cidFromClientKey(key string) (string, bool) {
	prefix := k.prefix() + "clients:"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	cid := key[len(prefix):]
	if cid == "index" || cid == "" {
		return "", false
	}
	return cid, true
}

func (k keyScheme) cidFromSubscriptionsKey(key string) (string, bool) {
	prefix := k.prefix() + "subscriptions:"
	if !strings.HasPrefix(key, prefix) || len(key) <= len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

func (k keyScheme) cidFromMessagesKey(key string) (string, bool) {
	prefix := k.prefix() + "messages:"
	if !strings.HasPrefix(key, prefix) || len(key) <= len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

func (k keyScheme) channelFromChannelsKey(key string) (string, bool) {
	prefix := k.prefix() + "channels:"
	if !strings.HasPrefix(key, prefix) || len(key) <= len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
