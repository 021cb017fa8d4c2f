package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"github.com/elnosh/fedmint/mint/pubsub"
	"github.com/gorilla/websocket"
)

const (
	MINT_OUTPUT_TOPIC = "mint_output_topic"
	NONCE_STATE_TOPIC = "nonce_state_topic"

	maxSubscriptions = 100
	maxFilters       = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// publishRoundOutcome notifies subscribers of every output that reached a
// terminal state and every nonce spent in the round.
func (m *Mint) publishRoundOutcome(outcome *RoundOutcome) {
	for _, combined := range outcome.Combined {
		m.publisher.Publish(MINT_OUTPUT_TOPIC, combined.Output[:])
	}
	for _, failed := range outcome.Failed {
		m.publisher.Publish(MINT_OUTPUT_TOPIC, failed.Output[:])
	}
	for _, nonce := range outcome.Redeemed {
		m.publisher.Publish(NONCE_STATE_TOPIC, nonce[:])
	}
}

// publishRejectedOutput notifies subscribers of an output that was
// rejected when its round was applied.
func (m *Mint) publishRejectedOutput(item consensus.Item) {
	var output ecash.MintOutput
	if err := item.Decode(&output); err != nil {
		return
	}
	id := output.Id()
	m.publisher.Publish(MINT_OUTPUT_TOPIC, id[:])
}

type WebsocketManager struct {
	clients map[*Client]bool
	sync.RWMutex
	mint *Mint
}

func NewWebSocketManager(mint *Mint) *WebsocketManager {
	return &WebsocketManager{
		clients: make(map[*Client]bool),
		mint:    mint,
	}
}

func (wm *WebsocketManager) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.mint.logErrorf("could not upgrade to websocket connection: %v", err)
		return
	}

	client := NewClient(conn, wm)
	wm.addClient(client)

	wm.mint.logInfof("websocket connection established.")

	go client.readMessages()
	go client.writeMessages()
}

func (wm *WebsocketManager) addClient(client *Client) {
	wm.Lock()
	wm.clients[client] = true
	wm.Unlock()
}

func (wm *WebsocketManager) removeClient(client *Client) {
	wm.Lock()
	if _, ok := wm.clients[client]; ok {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

type Client struct {
	conn          *websocket.Conn
	subscriptions map[string]SubscriptionClient
	mu            sync.Mutex
	manager       *WebsocketManager

	// aggregate writes through this channel since there can only be one concurrent writer.
	send chan json.RawMessage
	done chan struct{}

	msgSizeLimit int64
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewClient(conn *websocket.Conn, manager *WebsocketManager) *Client {
	return &Client{
		conn:          conn,
		subscriptions: make(map[string]SubscriptionClient),
		manager:       manager,
		send:          make(chan json.RawMessage),
		done:          make(chan struct{}),
		msgSizeLimit:  8192,
		pongWait:      60 * time.Second,
		pingInterval:  30 * time.Second,
	}
}

// write queues msg unless the connection is closing.
func (c *Client) write(msg json.RawMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *Client) writeJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.manager.mint.logErrorf("could not encode websocket message: %v", err)
		return
	}
	c.write(msg)
}

func (c *Client) readMessages() {
	defer c.manager.removeClient(c)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return
	}

	c.conn.SetReadLimit(c.msgSizeLimit)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				c.manager.mint.logDebugf("detected unexpected closed connection: %v", err)
			}
			return
		}

		var wsRequest api.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			wsErr := api.NewWsError(1000, "invalid request", -1)
			c.manager.mint.logErrorf("got invalid websocket request. Sending error message: %v", wsErr)
			c.writeJSON(wsErr)
			continue
		}

		wsResponse, wsError := c.processRequest(wsRequest)
		if wsError != nil {
			c.manager.mint.logErrorf("error processing websocket request. Sending error message: %v", wsError)
			c.writeJSON(wsError)
			continue
		}
		c.writeJSON(wsResponse)
	}
}

func (c *Client) writeMessages() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.manager.removeClient(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.manager.mint.logDebugf("sending websocket message: %s", msg)
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.manager.mint.logErrorf("could not write message on websocket connection: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.manager.mint.logErrorf("could not write ping message: %v. closing websocket connection", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) processRequest(req api.WsRequest) (*api.WsResponse, *api.WsError) {
	switch req.Method {
	case api.SUBSCRIBE:
		return c.subscriptionRequest(req)
	case api.UNSUBSCRIBE:
		return c.unsubscriptionRequest(req)
	}

	wsErr := api.NewWsError(1000, "invalid request method", req.Id)
	return nil, &wsErr
}

func (c *Client) subscriptionRequest(req api.WsRequest) (*api.WsResponse, *api.WsError) {
	c.mu.Lock()
	subs := len(c.subscriptions)
	_, exists := c.subscriptions[req.Params.SubId]
	c.mu.Unlock()

	if subs >= maxSubscriptions {
		wsErr := api.NewWsError(1000, "reached subscription limit", req.Id)
		return nil, &wsErr
	}
	if exists {
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", req.Params.SubId)
		wsErr := api.NewWsError(1000, errMsg, req.Id)
		return nil, &wsErr
	}
	if len(req.Params.Filters) > maxFilters {
		wsErr := api.NewWsError(1000, "too many filters", req.Id)
		return nil, &wsErr
	}

	mint := c.manager.mint
	var subClient SubscriptionClient
	var initial []api.WsNotification

	switch api.StringToKind(req.Params.Kind) {
	case api.MintOutputKind:
		ids := make([]ecash.OutputId, len(req.Params.Filters))
		for i, filter := range req.Params.Filters {
			id, err := ecash.OutputIdFromHex(filter)
			if err != nil {
				wsErr := api.NewWsError(1000, fmt.Sprintf("invalid output id '%v'", filter), req.Id)
				return nil, &wsErr
			}
			ids[i] = id
		}

		outputsClient := NewMintOutputSubClient(req.Params.SubId, ids, mint)
		initial = outputsClient.initialState()
		subClient = outputsClient

	case api.NonceStateKind:
		nonces := make([]ecash.Nonce, len(req.Params.Filters))
		for i, filter := range req.Params.Filters {
			nonce, err := ecash.NonceFromHex(filter)
			if err != nil {
				wsErr := api.NewWsError(1000, fmt.Sprintf("invalid nonce '%v'", filter), req.Id)
				return nil, &wsErr
			}
			nonces[i] = nonce
		}

		noncesClient, err := NewNonceStateSubClient(req.Params.SubId, nonces, mint)
		if err != nil {
			wsErr := api.NewWsError(1000, "could not get nonce states", req.Id)
			return nil, &wsErr
		}
		initial = noncesClient.initialState()
		subClient = noncesClient

	default:
		wsErr := api.NewWsError(1000, "invalid subscription kind", req.Id)
		return nil, &wsErr
	}

	mint.logDebugf("adding new subscription of kind '%s' with sub id '%v'", req.Params.Kind, req.Params.SubId)
	c.addSubscriptionClient(req.Params.SubId, subClient)

	go func() {
		for _, notif := range initial {
			c.writeJSON(notif)
		}
		listenForSubscriptionUpdates(subClient, c)
	}()

	return &api.WsResponse{
		JsonRPC: api.JSONRPC_2,
		Result: api.Result{
			Status: api.OK,
			SubId:  req.Params.SubId,
		},
		Id: req.Id,
	}, nil
}

func (c *Client) unsubscriptionRequest(req api.WsRequest) (*api.WsResponse, *api.WsError) {
	c.mu.Lock()
	_, ok := c.subscriptions[req.Params.SubId]
	c.mu.Unlock()
	if !ok {
		errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", req.Params.SubId)
		wsErr := api.NewWsError(1000, errMsg, req.Id)
		return nil, &wsErr
	}

	c.manager.mint.logDebugf("got unsubscription request. Removing sub '%v'", req.Params.SubId)
	c.removeSubscriptionClient(req.Params.SubId)
	return &api.WsResponse{
		JsonRPC: api.JSONRPC_2,
		Result: api.Result{
			Status: api.OK,
			SubId:  req.Params.SubId,
		},
		Id: req.Id,
	}, nil
}

func (c *Client) addSubscriptionClient(subId string, subClient SubscriptionClient) {
	c.mu.Lock()
	c.subscriptions[subId] = subClient
	c.mu.Unlock()
}

func (c *Client) removeSubscriptionClient(subId string) {
	c.mu.Lock()
	if subClient, ok := c.subscriptions[subId]; ok {
		subClient.Close()
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()
}

// cancel all subscriptions and close websocket connection
func (c *Client) close() {
	c.mu.Lock()
	for subId, subClient := range c.subscriptions {
		subClient.Close()
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()

	c.conn.Close()
	close(c.done)
}

func listenForSubscriptionUpdates(subClient SubscriptionClient, c *Client) {
	notifChan := subClient.Read()
	for {
		select {
		case notif, ok := <-notifChan:
			if !ok {
				return
			}
			c.writeJSON(notif)
		case <-subClient.Context().Done():
			return
		case <-c.done:
			return
		}
	}
}

type SubscriptionClient interface {
	Read() <-chan api.WsNotification
	Context() context.Context
	Close()
}

// MintOutputSubClient notifies when a subscribed output reaches a
// terminal state.
type MintOutputSubClient struct {
	subId  string
	ctx    context.Context
	cancel context.CancelFunc

	mint       *Mint
	subscriber *pubsub.Subscriber
	outputs    map[ecash.OutputId]bool
}

func NewMintOutputSubClient(subId string, ids []ecash.OutputId, mint *Mint) *MintOutputSubClient {
	ctx, cancel := context.WithCancel(context.Background())

	outputs := make(map[ecash.OutputId]bool, len(ids))
	for _, id := range ids {
		outputs[id] = true
	}

	return &MintOutputSubClient{
		subId:      subId,
		ctx:        ctx,
		cancel:     cancel,
		mint:       mint,
		subscriber: mint.publisher.Subscribe(MINT_OUTPUT_TOPIC),
		outputs:    outputs,
	}
}

func (outputsClient *MintOutputSubClient) notification(id ecash.OutputId) (*api.WsNotification, bool) {
	outcome, err := outputsClient.mint.MintOutcome(id)
	if err != nil {
		return nil, false
	}
	notif, err := api.NewNotification(outputsClient.subId, outputOutcomeResponse(outcome))
	if err != nil {
		return nil, false
	}
	return &notif, true
}

// initialState has the outcome of every output already applied in a round.
func (outputsClient *MintOutputSubClient) initialState() []api.WsNotification {
	notifs := []api.WsNotification{}
	for id := range outputsClient.outputs {
		if notif, ok := outputsClient.notification(id); ok {
			notifs = append(notifs, *notif)
		}
	}
	return notifs
}

func (outputsClient *MintOutputSubClient) Read() <-chan api.WsNotification {
	notifChan := make(chan api.WsNotification)
	messagesChan := outputsClient.subscriber.GetMessages()

	go func() {
		for {
			select {
			case msg, ok := <-messagesChan:
				if !ok {
					return
				}

				var id ecash.OutputId
				copy(id[:], msg.Payload())
				if !outputsClient.outputs[id] {
					continue
				}
				if notif, ok := outputsClient.notification(id); ok {
					select {
					case notifChan <- *notif:
					case <-outputsClient.ctx.Done():
						return
					}
				}

			case <-outputsClient.ctx.Done():
				return
			}
		}
	}()

	return notifChan
}

func (outputsClient *MintOutputSubClient) Context() context.Context {
	return outputsClient.ctx
}

func (outputsClient *MintOutputSubClient) Close() {
	outputsClient.mint.publisher.Unsubscribe(outputsClient.subscriber, MINT_OUTPUT_TOPIC)
	outputsClient.subscriber.Close()
	outputsClient.cancel()
}

// NonceStateSubClient notifies when a subscribed nonce is spent.
type NonceStateSubClient struct {
	subId  string
	ctx    context.Context
	cancel context.CancelFunc

	pubsub     *pubsub.PubSub
	subscriber *pubsub.Subscriber
	states     map[ecash.Nonce]ecash.NonceState
}

func NewNonceStateSubClient(subId string, nonces []ecash.Nonce, mint *Mint) (*NonceStateSubClient, error) {
	states, err := mint.NonceStates(nonces)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	stateMap := make(map[ecash.Nonce]ecash.NonceState, len(nonces))
	for i, nonce := range nonces {
		stateMap[nonce] = states[i]
	}

	return &NonceStateSubClient{
		subId:      subId,
		ctx:        ctx,
		cancel:     cancel,
		pubsub:     mint.publisher,
		subscriber: mint.publisher.Subscribe(NONCE_STATE_TOPIC),
		states:     stateMap,
	}, nil
}

func (noncesClient *NonceStateSubClient) initialState() []api.WsNotification {
	notifs := []api.WsNotification{}
	for nonce, state := range noncesClient.states {
		notif, err := api.NewNotification(noncesClient.subId, api.NonceState{Nonce: nonce, State: state})
		if err == nil {
			notifs = append(notifs, notif)
		}
	}
	return notifs
}

func (noncesClient *NonceStateSubClient) Read() <-chan api.WsNotification {
	notifChan := make(chan api.WsNotification)
	messagesChan := noncesClient.subscriber.GetMessages()

	go func() {
		for {
			select {
			case msg, ok := <-messagesChan:
				if !ok {
					return
				}

				var nonce ecash.Nonce
				copy(nonce[:], msg.Payload())
				previousState, ok := noncesClient.states[nonce]
				// spent is the only transition a nonce makes
				if !ok || previousState == ecash.Spent {
					continue
				}
				noncesClient.states[nonce] = ecash.Spent

				notif, err := api.NewNotification(noncesClient.subId, api.NonceState{Nonce: nonce, State: ecash.Spent})
				if err != nil {
					continue
				}
				select {
				case notifChan <- notif:
				case <-noncesClient.ctx.Done():
					return
				}

			case <-noncesClient.ctx.Done():
				return
			}
		}
	}()

	return notifChan
}

func (noncesClient *NonceStateSubClient) Context() context.Context {
	return noncesClient.ctx
}

func (noncesClient *NonceStateSubClient) Close() {
	noncesClient.pubsub.Unsubscribe(noncesClient.subscriber, NONCE_STATE_TOPIC)
	noncesClient.subscriber.Close()
	noncesClient.cancel()
}
