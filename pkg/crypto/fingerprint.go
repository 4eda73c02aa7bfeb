package crypto

import (
	"encoding/hex"
	"errors"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/sha3"
)

// fingerprint.go - каноничное представление и отпечаток payload'а
//
// Идемпотентность сравнивает payload повторной отправки с сохранённым.
// Побайтовое сравнение JSON ненадёжно (порядок ключей, пробелы), поэтому:
// 1. значение кодируется в JSON с отсортированными ключами
// 2. от канонических байт берётся SHA3-256

// ErrEmptyPayload - нечего канонизировать
var ErrEmptyPayload = errors.New("payload is empty")

// canonicalAPI - jsoniter с сортировкой ключей map'ов
var canonicalAPI = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// CanonicalJSON кодирует значение в каноничный JSON.
//
// Структуры сначала кодируются как есть, затем декодируются в generic-дерево
// и кодируются повторно: так порядок ключей не зависит от порядка полей и
// от исходного текста запроса.
func CanonicalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, ErrEmptyPayload
	}

	raw, err := canonicalAPI.Marshal(v)
	if err != nil {
		return nil, err
	}

	var tree interface{}
	if err := canonicalAPI.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return canonicalAPI.Marshal(tree)
}

// Fingerprint возвращает hex SHA3-256 от байт
func Fingerprint(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PayloadFingerprint - каноничный JSON и его отпечаток за один вызов
func PayloadFingerprint(v interface{}) (canonical []byte, hash string, err error) {
	canonical, err = CanonicalJSON(v)
	if err != nil {
		return nil, "", err
	}
	return canonical, Fingerprint(canonical), nil
}
