// Package mqttbridge propojuje hub s MQTT brokerem: události ven,
// příkazy dovnitř a volitelně i logy služby.
package mqttbridge

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher je podmnožina mqtt.Client pro odesílání.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Subscriber je podmnožina mqtt.Client pro odběr.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Dial připojí klienta k brokeru. Klient se při výpadku sám znovu připojí.
// OrderMatters vypínáme: handler příkazů může chvíli čekat na frontu
// a nesmí tím zablokovat zpracování potvrzení od brokeru.
func Dial(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("MQTT %s: timeout připojení", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT %s: %w", broker, err)
	}
	return client, nil
}
