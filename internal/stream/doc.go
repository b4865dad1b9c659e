// Package stream consumes the Binance futures user-data stream.
//
// A Listener obtains a listen key, dials <base>/ws/<listenKey> and decodes
// ORDER_TRADE_UPDATE messages into model.ExchangeEvent values. Decoded
// events are held in a growable buffer and handed out by FetchEvents, so the
// sync ingester pulls from the stream the same way it pulls from REST.
//
// Lost connections and expired listen keys are handled by reconnecting with
// jittered exponential backoff; the key is kept alive every 30 minutes.
package stream
