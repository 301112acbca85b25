// Package validation содержит функции валидации входных данных.
package validation

// addressPrefix — сетевой префикс адресов маркетплейса.
const addressPrefix = "tgl1"

// addressBodyLen — длина шестнадцатеричной части адреса.
const addressBodyLen = 48

// IsValidAddress проверяет синтаксическую корректность адреса сети:
// префикс tgl1 и 48 шестнадцатеричных символов в нижнем регистре.
func IsValidAddress(address string) bool {
	if len(address) != len(addressPrefix)+addressBodyLen {
		return false
	}
	if address[:len(addressPrefix)] != addressPrefix {
		return false
	}

	for _, ch := range address[len(addressPrefix):] {
		isDigit := ch >= '0' && ch <= '9'
		isHexLetter := ch >= 'a' && ch <= 'f'
		if !isDigit && !isHexLetter {
			return false
		}
	}

	return true
}
