package storage

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FindRecord 在 JSON 数组中查找 idField 等于 id 的元素下标，找不到返回 -1
func FindRecord(blob []byte, idField string, id int64) int {
	idx := -1
	gjson.ParseBytes(blob).ForEach(func(key, value gjson.Result) bool {
		if value.Get(idField).Int() == id && value.Get(idField).Exists() {
			idx = int(key.Int())
			return false
		}
		return true
	})
	return idx
}

// PatchRecord 替换或追加 JSON 数组中的单条记录，其余元素原样保留
func PatchRecord(blob []byte, idField string, id int64, record any) ([]byte, error) {
	if len(blob) == 0 || !gjson.ValidBytes(blob) || !gjson.ParseBytes(blob).IsArray() {
		blob = []byte("[]")
	}
	path := "-1"
	if idx := FindRecord(blob, idField, id); idx >= 0 {
		path = strconv.Itoa(idx)
	}
	return sjson.SetBytes(blob, path, record)
}

// DeleteRecord 从 JSON 数组中删除记录，不存在时原样返回
func DeleteRecord(blob []byte, idField string, id int64) ([]byte, error) {
	idx := FindRecord(blob, idField, id)
	if idx < 0 {
		return blob, nil
	}
	return sjson.DeleteBytes(blob, strconv.Itoa(idx))
}
