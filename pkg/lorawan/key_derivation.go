package lorawan

import (
	"crypto/aes"
)

// DeriveSessionKeys10 derives session keys according to LoRaWAN 1.0.x:
// NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
// AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys10(appKey AES128Key, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	msg := make([]byte, 16)
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg)

	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}
